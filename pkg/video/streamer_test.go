package video

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/door_phone/pkg/stream"
	"github.com/arzzra/door_phone/pkg/wire"
)

// fakeCamera выдает заранее заданные кадры, затем ошибку на каждый такт.
// Может блокироваться в Capture для имитации застрявшего драйвера.
type fakeCamera struct {
	mu       sync.Mutex
	frames   [][]byte
	idx      int
	released int
	block    chan struct{}
}

func (c *fakeCamera) Capture() (*Frame, error) {
	if c.block != nil {
		<-c.block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx >= len(c.frames) {
		return nil, errors.New("кадр не готов")
	}
	data := c.frames[c.idx]
	c.idx++
	return NewFrame(data, func() {
		c.mu.Lock()
		c.released++
		c.mu.Unlock()
	}), nil
}

func (c *fakeCamera) releasedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// newVideoSink открывает принимающий сокет для фрагментов и возвращает порт.
func newVideoSink(t *testing.T) (*stream.Reader, int) {
	t.Helper()

	cfg := stream.DefaultReaderConfig()
	cfg.LocalPort = 0
	reader, err := stream.NewReader(cfg)
	require.NoError(t, err)
	require.NoError(t, reader.Open())
	t.Cleanup(func() { reader.Close() })

	port := reader.LocalAddr().(*net.UDPAddr).Port
	return reader, port
}

type receivedFragment struct {
	header  wire.VideoHeader
	payload []byte
}

// readFragments принимает count фрагментов или завершает тест по таймауту.
func readFragments(t *testing.T, reader *stream.Reader, count int) []receivedFragment {
	t.Helper()

	fragments := make([]receivedFragment, 0, count)
	buf := make([]byte, wire.MaxPacketSize)
	deadline := time.Now().Add(5 * time.Second)

	for len(fragments) < count {
		if time.Now().After(deadline) {
			t.Fatalf("получено %d фрагментов из %d", len(fragments), count)
		}
		n, err := reader.Read(buf, 200*time.Millisecond)
		if errors.Is(err, stream.ErrReadTimeout) {
			continue
		}
		require.NoError(t, err)

		var header wire.VideoHeader
		hn, err := header.Unmarshal(buf[:n])
		require.NoError(t, err)

		payload := make([]byte, n-hn)
		copy(payload, buf[hn:n])
		fragments = append(fragments, receivedFragment{header: header, payload: payload})
	}
	return fragments
}

func newTestStreamer(t *testing.T, camera Camera, port int, fragmentPayload int) *Streamer {
	t.Helper()

	cfg := DefaultStreamerConfig()
	cfg.Camera = camera
	cfg.RemotePort = port
	if fragmentPayload > 0 {
		cfg.MaxFragmentPayload = fragmentPayload
	}
	streamer, err := NewStreamer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { streamer.Stop() })

	return streamer
}

func TestStreamerConfigValidate(t *testing.T) {
	camera := &fakeCamera{}

	tests := []struct {
		name    string
		mutate  func(*StreamerConfig)
		wantErr bool
	}{
		{"корректная конфигурация", func(c *StreamerConfig) { c.Camera = camera }, false},
		{"нет камеры", func(c *StreamerConfig) {}, true},
		{"нулевой FPS", func(c *StreamerConfig) {
			c.Camera = camera
			c.FPS = -1
		}, true},
		{"фрагмент больше пакета", func(c *StreamerConfig) {
			c.Camera = camera
			c.MaxFragmentPayload = wire.MaxVideoPayload + 1
		}, true},
		{"недопустимый порт", func(c *StreamerConfig) {
			c.Camera = camera
			c.RemotePort = -5
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultStreamerConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// Кадр из F байт при лимите C уходит ровно в ceil(F/C) фрагментах с номерами
// 0..total-1, одинаковым total и одной меткой времени; склейка фрагментов
// восстанавливает кадр байт в байт.
func TestFrameFragmentation(t *testing.T) {
	reader, port := newVideoSink(t)

	frame := make([]byte, 250)
	for i := range frame {
		frame[i] = byte(i * 7)
	}
	camera := &fakeCamera{frames: [][]byte{frame}}
	streamer := newTestStreamer(t, camera, port, 100)

	require.NoError(t, streamer.Start("127.0.0.1"))

	const wantFragments = 3 // ceil(250/100)
	fragments := readFragments(t, reader, wantFragments)
	require.NoError(t, streamer.Stop())

	reassembled := make([]byte, 0, len(frame))
	for i, frag := range fragments {
		assert.Equal(t, uint32(0), frag.header.FrameID)
		assert.Equal(t, uint16(i), frag.header.FragmentSeq)
		assert.Equal(t, uint16(wantFragments), frag.header.TotalFragments)
		assert.Equal(t, frag.header.Timestamp, fragments[0].header.Timestamp,
			"все фрагменты кадра несут метку времени захвата")
		assert.Equal(t, uint16(len(frag.payload)), frag.header.FragmentLen)
		reassembled = append(reassembled, frag.payload...)
	}
	assert.Equal(t, frame, reassembled)

	// Буфер кадра возвращен драйверу после отправки
	assert.Equal(t, 1, camera.releasedCount())

	stats := streamer.Statistics()
	assert.Equal(t, uint64(1), stats.FramesSent)
	assert.Equal(t, uint64(wantFragments), stats.FragmentsSent)
}

func TestFrameIDSequencingAndReset(t *testing.T) {
	reader, port := newVideoSink(t)

	camera := &fakeCamera{frames: [][]byte{{1, 2, 3}, {4, 5, 6}}}
	streamer := newTestStreamer(t, camera, port, 100)

	require.NoError(t, streamer.Start("127.0.0.1"))
	fragments := readFragments(t, reader, 2)
	require.NoError(t, streamer.Stop())

	assert.Equal(t, uint32(0), fragments[0].header.FrameID)
	assert.Equal(t, uint32(1), fragments[1].header.FrameID)

	// Повторный старт заново нумерует кадры с нуля
	camera.mu.Lock()
	camera.idx = 0
	camera.mu.Unlock()

	require.NoError(t, streamer.Start("127.0.0.1"))
	fragments = readFragments(t, reader, 1)
	require.NoError(t, streamer.Stop())

	assert.Equal(t, uint32(0), fragments[0].header.FrameID)
}

func TestStartWhileStreamingIsNoop(t *testing.T) {
	_, port := newVideoSink(t)

	camera := &fakeCamera{}
	streamer := newTestStreamer(t, camera, port, 0)

	require.NoError(t, streamer.Start("127.0.0.1"))
	assert.True(t, streamer.IsStreaming())

	require.NoError(t, streamer.Start("127.0.0.1"))
	assert.True(t, streamer.IsStreaming())

	require.NoError(t, streamer.Stop())
	assert.False(t, streamer.IsStreaming())
	assert.Equal(t, StateIdle, streamer.State())
}

func TestStopIdleIsNoop(t *testing.T) {
	_, port := newVideoSink(t)

	streamer := newTestStreamer(t, &fakeCamera{}, port, 0)
	require.NoError(t, streamer.Stop())
	require.NoError(t, streamer.Stop())
	assert.Equal(t, StateIdle, streamer.State())
}

// Ошибка захвата пропускает такт и не валит поток.
func TestCaptureFailureSkipsTick(t *testing.T) {
	reader, port := newVideoSink(t)

	camera := &fakeCamera{} // кадров нет, каждый Capture возвращает ошибку
	streamer := newTestStreamer(t, camera, port, 0)

	require.NoError(t, streamer.Start("127.0.0.1"))
	time.Sleep(200 * time.Millisecond)

	assert.True(t, streamer.IsStreaming(), "поток жив несмотря на ошибки захвата")

	buf := make([]byte, wire.MaxPacketSize)
	_, err := reader.Read(buf, 100*time.Millisecond)
	assert.ErrorIs(t, err, stream.ErrReadTimeout, "пакетов быть не должно")

	require.NoError(t, streamer.Stop())
	assert.Greater(t, streamer.Statistics().FramesSkipped, uint64(0))
}

// Застрявший вызов камеры не мешает Stop освободить сокет: ожидание
// ограничено, после него остановка принудительная.
func TestStuckCameraForcedStop(t *testing.T) {
	_, port := newVideoSink(t)

	block := make(chan struct{})
	camera := &fakeCamera{block: block}
	defer close(block)

	cfg := DefaultStreamerConfig()
	cfg.Camera = camera
	cfg.RemotePort = port
	cfg.StopRetries = 2
	streamer, err := NewStreamer(cfg)
	require.NoError(t, err)

	require.NoError(t, streamer.Start("127.0.0.1"))
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	err = streamer.Stop()
	assert.ErrorIs(t, err, ErrForcedStop)
	assert.Less(t, time.Since(start), 3*time.Second, "ожидание ограничено")
	assert.Equal(t, StateIdle, streamer.State())
}

func TestStartAfterForcedStopPossible(t *testing.T) {
	reader, port := newVideoSink(t)

	block := make(chan struct{})
	stuck := &fakeCamera{block: block}
	defer close(block)

	cfg := DefaultStreamerConfig()
	cfg.Camera = stuck
	cfg.RemotePort = port
	cfg.StopRetries = 1
	streamer, err := NewStreamer(cfg)
	require.NoError(t, err)

	require.NoError(t, streamer.Start("127.0.0.1"))
	time.Sleep(20 * time.Millisecond)
	require.ErrorIs(t, streamer.Stop(), ErrForcedStop)

	// После принудительной остановки стример снова пригоден
	require.NoError(t, streamer.Start("127.0.0.1"))
	assert.True(t, streamer.IsStreaming())
	streamer.Stop()

	_ = reader
}
