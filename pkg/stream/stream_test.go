package stream

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/door_phone/pkg/wire"
)

// newTestReader открывает Reader на свободном порту и возвращает его адрес.
func newTestReader(t *testing.T) (*Reader, string) {
	t.Helper()

	cfg := DefaultReaderConfig()
	cfg.LocalPort = 0
	reader, err := NewReader(cfg)
	require.NoError(t, err)
	require.NoError(t, reader.Open())
	t.Cleanup(func() { reader.Close() })

	addr := reader.LocalAddr()
	require.NotNil(t, addr)
	return reader, addr.String()
}

func newTestWriter(t *testing.T, remoteAddr string, maxPayload int) *Writer {
	t.Helper()

	cfg := DefaultWriterConfig()
	cfg.RemoteAddr = remoteAddr
	if maxPayload > 0 {
		cfg.MaxPayload = maxPayload
	}
	writer, err := NewWriter(cfg)
	require.NoError(t, err)
	require.NoError(t, writer.Open())
	t.Cleanup(func() { writer.Close() })

	return writer
}

func TestReaderConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ReaderConfig)
		wantErr bool
	}{
		{"конфигурация по умолчанию", func(c *ReaderConfig) {}, false},
		{"неизвестное семейство адресов", func(c *ReaderConfig) { c.Network = "tcp" }, true},
		{"отрицательный порт", func(c *ReaderConfig) { c.LocalPort = -1 }, true},
		{"порт за пределами диапазона", func(c *ReaderConfig) { c.LocalPort = 70000 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultReaderConfig()
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

func TestWriterConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*WriterConfig)
		wantErr bool
	}{
		{"корректная конфигурация", func(c *WriterConfig) { c.RemoteAddr = "127.0.0.1:12345" }, false},
		{"нет адреса назначения", func(c *WriterConfig) {}, true},
		{"неизвестное семейство адресов", func(c *WriterConfig) {
			c.RemoteAddr = "127.0.0.1:12345"
			c.Network = "unix"
		}, true},
		{"payload больше пакета", func(c *WriterConfig) {
			c.RemoteAddr = "127.0.0.1:12345"
			c.MaxPayload = wire.MaxPacketSize
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultWriterConfig()
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

func TestReaderOpenCloseIdempotent(t *testing.T) {
	cfg := DefaultReaderConfig()
	cfg.LocalPort = 0
	reader, err := NewReader(cfg)
	require.NoError(t, err)

	require.NoError(t, reader.Open())
	assert.True(t, reader.IsOpen())
	// Повторное открытие — no-op с успехом
	require.NoError(t, reader.Open())

	require.NoError(t, reader.Close())
	assert.False(t, reader.IsOpen())
	// Повторное закрытие — no-op с успехом
	require.NoError(t, reader.Close())

	buf := make([]byte, 64)
	_, err = reader.Read(buf, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriterOpenCloseIdempotent(t *testing.T) {
	_, addr := newTestReader(t)

	cfg := DefaultWriterConfig()
	cfg.RemoteAddr = addr
	writer, err := NewWriter(cfg)
	require.NoError(t, err)

	require.NoError(t, writer.Open())
	assert.True(t, writer.IsOpen())
	require.NoError(t, writer.Open())

	require.NoError(t, writer.Close())
	assert.False(t, writer.IsOpen())
	require.NoError(t, writer.Close())

	_, err = writer.Write([]byte("payload"))
	assert.ErrorIs(t, err, ErrClosed)
	err = writer.WritePacket([]byte{1}, []byte{2})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriteReadRoundTrip(t *testing.T) {
	reader, addr := newTestReader(t)
	writer := newTestWriter(t, addr, 324)

	payload := make([]byte, 324)
	for i := range payload {
		payload[i] = byte(i)
	}

	n, err := writer.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	buf := make([]byte, wire.MaxPacketSize)
	n, err = reader.Read(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.AudioHeaderSize+len(payload), n)

	var header wire.AudioHeader
	hn, err := header.Unmarshal(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(0), header.Sequence)
	assert.Equal(t, uint16(len(payload)), header.PayloadLen)
	assert.InDelta(t, time.Now().UnixMilli(), header.Timestamp, 5000)
	assert.Equal(t, payload, buf[hn:n])

	rstats := reader.Statistics()
	assert.Equal(t, uint64(1), rstats.PacketsReceived)
	assert.Equal(t, uint64(n), rstats.BytesReceived)

	wstats := writer.Statistics()
	assert.Equal(t, uint64(1), wstats.PacketsSent)
	assert.Equal(t, uint64(len(payload)), wstats.BytesSent)
}

// Порядковые номера растут строго на единицу начиная с нуля в пределах
// одного отправителя.
func TestWriterSequenceMonotonic(t *testing.T) {
	reader, addr := newTestReader(t)
	writer := newTestWriter(t, addr, 0)

	const packets = 5
	for i := 0; i < packets; i++ {
		_, err := writer.Write([]byte{byte(i)})
		require.NoError(t, err)
	}

	buf := make([]byte, wire.MaxPacketSize)
	for i := 0; i < packets; i++ {
		n, err := reader.Read(buf, time.Second)
		require.NoError(t, err)

		var header wire.AudioHeader
		_, err = header.Unmarshal(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, uint32(i), header.Sequence, "пакет %d", i)
	}
}

func TestWriteTruncatesOversizePayload(t *testing.T) {
	reader, addr := newTestReader(t)
	writer := newTestWriter(t, addr, 100)

	payload := make([]byte, 250)
	n, err := writer.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	buf := make([]byte, wire.MaxPacketSize)
	n, err = reader.Read(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.AudioHeaderSize+100, n)

	var header wire.AudioHeader
	_, err = header.Unmarshal(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint16(100), header.PayloadLen)

	assert.Equal(t, uint64(1), writer.Statistics().PacketsTruncated)
}

func TestReadTimeout(t *testing.T) {
	reader, _ := newTestReader(t)

	buf := make([]byte, 64)
	start := time.Now()
	n, err := reader.Read(buf, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	assert.Equal(t, uint64(1), reader.Statistics().Timeouts)
}

// Запрос неограниченного ожидания сводится к ограниченному опросу:
// вызов обязан вернуться за время порядка ReadTimeout, а не висеть вечно.
func TestReadUnboundedWaitIsCapped(t *testing.T) {
	reader, _ := newTestReader(t)

	buf := make([]byte, 64)
	start := time.Now()
	_, err := reader.Read(buf, 0)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestCloseUnblocksRead(t *testing.T) {
	reader, _ := newTestReader(t)

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := reader.Read(buf, 10*time.Second)
		done <- result{n, err}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, reader.Close())

	select {
	case res := <-done:
		require.Error(t, res.err)
		assert.NotErrorIs(t, res.err, ErrReadTimeout)
		assert.True(t, errors.Is(res.err, net.ErrClosed),
			"ожидалась ошибка закрытого сокета, получено: %v", res.err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close не разблокировал Read")
	}
}

func TestWritePacketVideoFraming(t *testing.T) {
	reader, addr := newTestReader(t)
	writer := newTestWriter(t, addr, 0)

	fragment := make([]byte, 500)
	for i := range fragment {
		fragment[i] = byte(i * 3)
	}
	header := wire.VideoHeader{
		FrameID:        9,
		Timestamp:      123456789,
		FragmentLen:    uint16(len(fragment)),
		FragmentSeq:    2,
		TotalFragments: 4,
	}
	hdr, err := header.Marshal()
	require.NoError(t, err)

	require.NoError(t, writer.WritePacket(hdr, fragment))

	buf := make([]byte, wire.MaxPacketSize)
	n, err := reader.Read(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.VideoHeaderSize+len(fragment), n)

	var decoded wire.VideoHeader
	hn, err := decoded.Unmarshal(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, header, decoded)
	assert.Equal(t, fragment, buf[hn:n])
}

func TestWritePacketTooLarge(t *testing.T) {
	_, addr := newTestReader(t)
	writer := newTestWriter(t, addr, 0)

	header := make([]byte, wire.VideoHeaderSize)
	payload := make([]byte, wire.MaxPacketSize)
	err := writer.WritePacket(header, payload)
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}
