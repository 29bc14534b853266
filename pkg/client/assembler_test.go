package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/door_phone/pkg/wire"
)

// fragmentOf строит заголовок фрагмента кадра.
func fragmentOf(frameID uint32, seq, total uint16, payload []byte) (wire.VideoHeader, []byte) {
	return wire.VideoHeader{
		FrameID:        frameID,
		Timestamp:      1724580000000,
		FragmentLen:    uint16(len(payload)),
		FragmentSeq:    seq,
		TotalFragments: total,
	}, payload
}

func TestAssemblerSingleFragment(t *testing.T) {
	a := NewFrameAssembler(0)

	data, ok := a.Add(fragmentOf(1, 0, 1, []byte("кадр")))
	require.True(t, ok)
	assert.Equal(t, []byte("кадр"), data)
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, uint64(1), a.Statistics().CompletedFrames)
}

// Фрагменты приходят не по порядку: кадр завершается на последнем
// недостающем, склейка идет по номерам.
func TestAssemblerOutOfOrder(t *testing.T) {
	a := NewFrameAssembler(0)

	_, ok := a.Add(fragmentOf(7, 2, 3, []byte("CC")))
	assert.False(t, ok)
	_, ok = a.Add(fragmentOf(7, 0, 3, []byte("AA")))
	assert.False(t, ok)
	assert.Equal(t, 1, a.Pending())

	data, ok := a.Add(fragmentOf(7, 1, 3, []byte("BB")))
	require.True(t, ok)
	assert.Equal(t, []byte("AABBCC"), data)
	assert.Equal(t, 0, a.Pending())
}

func TestAssemblerInterleavedFrames(t *testing.T) {
	a := NewFrameAssembler(0)

	_, ok := a.Add(fragmentOf(1, 0, 2, []byte("1a")))
	assert.False(t, ok)
	_, ok = a.Add(fragmentOf(2, 0, 2, []byte("2a")))
	assert.False(t, ok)

	data, ok := a.Add(fragmentOf(2, 1, 2, []byte("2b")))
	require.True(t, ok)
	assert.Equal(t, []byte("2a2b"), data)

	data, ok = a.Add(fragmentOf(1, 1, 2, []byte("1b")))
	require.True(t, ok)
	assert.Equal(t, []byte("1a1b"), data)
}

// Повторный фрагмент не меняет собранный кадр и не завершает его досрочно.
func TestAssemblerDuplicateIdempotent(t *testing.T) {
	a := NewFrameAssembler(0)

	_, ok := a.Add(fragmentOf(3, 0, 2, []byte("XX")))
	assert.False(t, ok)
	_, ok = a.Add(fragmentOf(3, 0, 2, []byte("XX")))
	assert.False(t, ok, "дубль не должен завершать кадр")
	assert.Equal(t, uint64(1), a.Statistics().DuplicateFragments)

	data, ok := a.Add(fragmentOf(3, 1, 2, []byte("YY")))
	require.True(t, ok)
	assert.Equal(t, []byte("XXYY"), data)
}

// Кадр с пропущенным фрагментом не отдается частично: при переполнении окна
// сборки он отбрасывается целиком, старейший первым.
func TestAssemblerEvictsOldestIncomplete(t *testing.T) {
	a := NewFrameAssembler(2)

	_, ok := a.Add(fragmentOf(10, 0, 2, []byte("старый")))
	assert.False(t, ok)
	_, ok = a.Add(fragmentOf(11, 0, 2, []byte("средний")))
	assert.False(t, ok)
	assert.Equal(t, 2, a.Pending())

	// Третий кадр вытесняет кадр 10
	_, ok = a.Add(fragmentOf(12, 0, 2, []byte("новый")))
	assert.False(t, ok)
	assert.Equal(t, 2, a.Pending())
	assert.Equal(t, uint64(1), a.Statistics().DiscardedFrames)

	// Уцелевший кадр собирается как ни в чем не бывало
	data, ok := a.Add(fragmentOf(11, 1, 2, []byte(" возраст")))
	require.True(t, ok)
	assert.Equal(t, []byte("средний возраст"), data)

	// Опоздавший фрагмент кадра 10 начинает сборку заново и не завершает ее
	_, ok = a.Add(fragmentOf(10, 1, 2, []byte("поздний")))
	assert.False(t, ok)
	assert.Equal(t, 2, a.Pending())
	assert.Equal(t, uint64(1), a.Statistics().CompletedFrames)
}

func TestAssemblerMalformedFragments(t *testing.T) {
	a := NewFrameAssembler(0)

	tests := []struct {
		name    string
		hdr     wire.VideoHeader
		payload []byte
	}{
		{"нулевой total", wire.VideoHeader{FrameID: 1, FragmentLen: 2, FragmentSeq: 0, TotalFragments: 0}, []byte("ab")},
		{"номер за пределами кадра", wire.VideoHeader{FrameID: 1, FragmentLen: 2, FragmentSeq: 2, TotalFragments: 2}, []byte("ab")},
		{"длина не совпадает с payload", wire.VideoHeader{FrameID: 1, FragmentLen: 99, FragmentSeq: 0, TotalFragments: 2}, []byte("ab")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := a.Add(tt.hdr, tt.payload)
			assert.False(t, ok)
		})
	}
	assert.Equal(t, uint64(len(tests)), a.Statistics().MalformedFragments)
	assert.Equal(t, 0, a.Pending())
}

// Противоречивый TotalFragments внутри одного кадра дискредитирует кадр
// целиком.
func TestAssemblerInconsistentTotalDropsFrame(t *testing.T) {
	a := NewFrameAssembler(0)

	_, ok := a.Add(fragmentOf(5, 0, 2, []byte("aa")))
	assert.False(t, ok)
	_, ok = a.Add(fragmentOf(5, 1, 3, []byte("bb")))
	assert.False(t, ok)

	assert.Equal(t, 0, a.Pending(), "кадр с противоречивым total должен быть отброшен")
	assert.Equal(t, uint64(1), a.Statistics().MalformedFragments)
}
