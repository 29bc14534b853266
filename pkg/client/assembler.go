package client

import (
	"sync"

	"github.com/arzzra/door_phone/pkg/wire"
)

// DefaultPendingFrames окно сборки: столько кадров собирается одновременно,
// старейший незавершенный вытесняется при переполнении.
const DefaultPendingFrames = 8

// AssemblerStats счетчики сборщика кадров.
type AssemblerStats struct {
	CompletedFrames    uint64
	DiscardedFrames    uint64
	DuplicateFragments uint64
	MalformedFragments uint64
}

// partialFrame кадр в процессе сборки.
type partialFrame struct {
	total     uint16
	fragments map[uint16][]byte
	bytes     int
}

// FrameAssembler собирает видео кадры из UDP фрагментов.
//
// Фрагменты одного кадра разделяют идентификатор кадра; кадр готов, когда
// получены фрагменты 0..TotalFragments-1. Кадр с пропущенным фрагментом
// никогда не отдается частично: незавершенные кадры сверх окна сборки
// отбрасываются целиком, старейший первым. Повторный фрагмент идемпотентен.
// Потокобезопасен.
type FrameAssembler struct {
	pending map[uint32]*partialFrame
	order   []uint32 // порядок появления кадров, голова — старейший
	limit   int

	stats AssemblerStats
	mu    sync.Mutex
}

// NewFrameAssembler создает сборщик с окном limit одновременно собираемых
// кадров; limit <= 0 означает DefaultPendingFrames.
func NewFrameAssembler(limit int) *FrameAssembler {
	if limit <= 0 {
		limit = DefaultPendingFrames
	}
	return &FrameAssembler{
		pending: make(map[uint32]*partialFrame),
		limit:   limit,
	}
}

// Add учитывает один фрагмент. Когда фрагмент завершает кадр, возвращает
// склеенные байты кадра и true; иначе nil и false. Содержимое payload
// копируется: буфер чтения можно переиспользовать сразу.
func (a *FrameAssembler) Add(hdr wire.VideoHeader, payload []byte) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if hdr.TotalFragments == 0 || hdr.FragmentSeq >= hdr.TotalFragments ||
		int(hdr.FragmentLen) != len(payload) {
		a.stats.MalformedFragments++
		return nil, false
	}

	frame, ok := a.pending[hdr.FrameID]
	if !ok {
		frame = &partialFrame{
			total:     hdr.TotalFragments,
			fragments: make(map[uint16][]byte, hdr.TotalFragments),
		}
		a.pending[hdr.FrameID] = frame
		a.order = append(a.order, hdr.FrameID)
		a.evictOverflow()
	}

	if frame.total != hdr.TotalFragments {
		// Противоречивый TotalFragments внутри кадра: кадру нет доверия
		a.remove(hdr.FrameID)
		a.stats.MalformedFragments++
		return nil, false
	}
	if _, dup := frame.fragments[hdr.FragmentSeq]; dup {
		a.stats.DuplicateFragments++
		return nil, false
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	frame.fragments[hdr.FragmentSeq] = data
	frame.bytes += len(data)

	if len(frame.fragments) < int(frame.total) {
		return nil, false
	}

	// Кадр полон: склейка фрагментов в порядке номеров
	out := make([]byte, 0, frame.bytes)
	for i := uint16(0); i < frame.total; i++ {
		out = append(out, frame.fragments[i]...)
	}
	a.remove(hdr.FrameID)
	a.stats.CompletedFrames++
	return out, true
}

// Pending возвращает число кадров в сборке.
func (a *FrameAssembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Statistics возвращает снимок счетчиков.
func (a *FrameAssembler) Statistics() AssemblerStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// remove убирает кадр из сборки, не трогая счетчики.
func (a *FrameAssembler) remove(frameID uint32) {
	delete(a.pending, frameID)
	for i, id := range a.order {
		if id == frameID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// evictOverflow вытесняет старейшие незавершенные кадры сверх окна сборки.
func (a *FrameAssembler) evictOverflow() {
	for len(a.order) > a.limit {
		a.remove(a.order[0])
		a.stats.DiscardedFrames++
	}
}
