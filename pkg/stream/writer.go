package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/arzzra/door_phone/pkg/wire"
)

// WriterConfig конфигурация отправляющего элемента.
type WriterConfig struct {
	// Network семейство адресов: "udp", "udp4" или "udp6"
	Network string

	// RemoteAddr адрес назначения в форме host:port
	RemoteAddr string

	// MaxPayload максимальная длина payload одного пакета. Более длинные
	// записи обрезаются с предупреждением в логе.
	MaxPayload int

	// WriteBackoff пауза после пакета, отброшенного из-за нехватки
	// сетевых буферов
	WriteBackoff time.Duration

	// SendBufferSize размер отправного буфера сокета в байтах, 0 — системный
	SendBufferSize int

	// Logger логгер компонента
	Logger *slog.Logger
}

// DefaultWriterConfig возвращает конфигурацию отправки по умолчанию:
// payload ограничен размером, безопасным для MTU вместе с аудио заголовком.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Network:      "udp4",
		MaxPayload:   wire.MaxPacketSize - wire.AudioHeaderSize,
		WriteBackoff: DefaultWriteBackoff,
	}
}

// Validate проверяет конфигурацию.
func (c WriterConfig) Validate() error {
	switch c.Network {
	case "udp", "udp4", "udp6":
	default:
		return fmt.Errorf("stream: неизвестное семейство адресов %q", c.Network)
	}
	if c.RemoteAddr == "" {
		return fmt.Errorf("stream: адрес назначения не задан")
	}
	if c.MaxPayload <= 0 || c.MaxPayload > wire.MaxPacketSize-wire.AudioHeaderSize {
		return fmt.Errorf("stream: недопустимый MaxPayload %d", c.MaxPayload)
	}
	return nil
}

// Writer отправляющий транспортный элемент. Владеет ровно одним UDP сокетом,
// подключенным к адресу назначения.
//
// Write кадрирует payload аудио заголовком со строго растущим порядковым
// номером, начиная с нуля. Заголовок и payload уходят одним системным
// вызовом из двух несмежных буферов: payload не копируется в промежуточный
// буфер. WritePacket отправляет тем же способом заголовок, построенный
// вызывающим кодом.
//
// Нехватка сетевых буферов (ENOBUFS, ENOMEM) не ошибка: пакет отбрасывается,
// вызывающему коду сообщается успех, перед следующей попыткой выдерживается
// короткая пауза.
type Writer struct {
	config WriterConfig
	logger *slog.Logger

	conn *net.UDPConn
	raw  syscall.RawConn
	open bool

	seq   uint32
	stats WriterStats

	mutex sync.RWMutex
}

// WriterStats счетчики отправляющего элемента.
type WriterStats struct {
	PacketsSent      uint64
	BytesSent        uint64
	PacketsDropped   uint64
	PacketsTruncated uint64
}

// NewWriter создает отправляющий элемент. Сокет не открывается до вызова Open.
func NewWriter(config WriterConfig) (*Writer, error) {
	if config.Network == "" {
		config.Network = "udp4"
	}
	if config.MaxPayload == 0 {
		config.MaxPayload = wire.MaxPacketSize - wire.AudioHeaderSize
	}
	if config.WriteBackoff <= 0 {
		config.WriteBackoff = DefaultWriteBackoff
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "stream.writer")
	}

	return &Writer{
		config: config,
		logger: logger,
	}, nil
}

// Open подключает сокет к адресу назначения. Повторный вызов на открытом
// элементе — no-op с успехом.
func (w *Writer) Open() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.open {
		return nil
	}

	raddr, err := net.ResolveUDPAddr(w.config.Network, w.config.RemoteAddr)
	if err != nil {
		return fmt.Errorf("stream: ошибка разрешения адреса назначения: %w", err)
	}

	conn, err := net.DialUDP(w.config.Network, nil, raddr)
	if err != nil {
		return classifyNetworkError("UDP dial", err)
	}

	if w.config.SendBufferSize > 0 {
		if err := conn.SetWriteBuffer(w.config.SendBufferSize); err != nil {
			w.logger.Warn("не удалось установить отправной буфер сокета",
				"size", w.config.SendBufferSize, "error", err)
		}
	}
	if err := setSockOptMedia(conn); err != nil {
		w.logger.Debug("опции сокета не применены", "error", err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return fmt.Errorf("stream: ошибка доступа к дескриптору сокета: %w", err)
	}

	w.conn = conn
	w.raw = raw
	w.open = true
	w.seq = 0
	w.logger.Debug("stream.Writer открыт", "remote_addr", raddr.String())

	return nil
}

// Write кадрирует p аудио заголовком и отправляет пакет. Payload длиннее
// MaxPayload обрезается, обрезка логируется как потеря данных. Возвращает
// число отправленных байт payload.
func (w *Writer) Write(p []byte) (int, error) {
	w.mutex.RLock()
	open := w.open
	conn := w.conn
	raw := w.raw
	w.mutex.RUnlock()

	if !open {
		return 0, ErrClosed
	}

	if len(p) > w.config.MaxPayload {
		w.logger.Warn("payload обрезан до максимума, данные потеряны",
			"have", len(p), "max", w.config.MaxPayload)
		p = p[:w.config.MaxPayload]
		w.mutex.Lock()
		w.stats.PacketsTruncated++
		w.mutex.Unlock()
	}

	header := wire.AudioHeader{
		Sequence:   w.nextSeq(),
		Timestamp:  time.Now().UnixMilli(),
		PayloadLen: uint16(len(p)),
	}
	var hdr [wire.AudioHeaderSize]byte
	if _, err := header.MarshalTo(hdr[:]); err != nil {
		return 0, err
	}

	if err := w.send(conn, raw, hdr[:], p); err != nil {
		if w.dropOnNoBuffers(err, header.Sequence) {
			return len(p), nil
		}
		return 0, err
	}

	w.mutex.Lock()
	w.stats.PacketsSent++
	w.stats.BytesSent += uint64(len(p))
	w.mutex.Unlock()

	return len(p), nil
}

// WritePacket отправляет заголовок вызывающего кода и payload одним пакетом,
// тем же двухбуферным способом и с той же политикой отбрасывания. Payload
// не обрезается: суммарный размер сверх максимума пакета — ошибка.
func (w *Writer) WritePacket(header, payload []byte) error {
	w.mutex.RLock()
	open := w.open
	conn := w.conn
	raw := w.raw
	w.mutex.RUnlock()

	if !open {
		return ErrClosed
	}
	if len(header)+len(payload) > wire.MaxPacketSize {
		return fmt.Errorf("%w: %d байт", ErrPacketTooLarge, len(header)+len(payload))
	}

	if err := w.send(conn, raw, header, payload); err != nil {
		if w.dropOnNoBuffers(err, 0) {
			return nil
		}
		return err
	}

	w.mutex.Lock()
	w.stats.PacketsSent++
	w.stats.BytesSent += uint64(len(payload))
	w.mutex.Unlock()

	return nil
}

// send отправляет два буфера одной датаграммой. Основной путь — системный
// вызов sendmsg с iovec из двух элементов; на платформах без него буферы
// склеиваются с копированием.
func (w *Writer) send(conn *net.UDPConn, raw syscall.RawConn, header, payload []byte) error {
	err := sendmsgBuffers(raw, header, payload)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errScatterGather) {
		return classifyNetworkError("UDP sendmsg", err)
	}

	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	if _, err := conn.Write(buf); err != nil {
		return classifyNetworkError("UDP write", err)
	}
	return nil
}

// dropOnNoBuffers применяет политику best effort: при нехватке сетевых
// буферов пакет отбрасывается, выдерживается пауза, вызывающему коду
// сообщается успех.
func (w *Writer) dropOnNoBuffers(err error, seq uint32) bool {
	var classified *ClassifiedError
	if !errors.As(err, &classified) || classified.Type != ErrorTypeNoBuffers {
		return false
	}

	w.mutex.Lock()
	w.stats.PacketsDropped++
	w.mutex.Unlock()

	w.logger.Debug("пакет отброшен: нет сетевых буферов", "seq", seq)
	time.Sleep(w.config.WriteBackoff)

	return true
}

func (w *Writer) nextSeq() uint32 {
	w.mutex.Lock()
	seq := w.seq
	w.seq++
	w.mutex.Unlock()
	return seq
}

// Close освобождает сокет. Повторный вызов — no-op с успехом.
func (w *Writer) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.open {
		return nil
	}
	w.open = false

	err := w.conn.Close()
	w.conn = nil
	w.raw = nil
	w.logger.Debug("stream.Writer закрыт")

	if err != nil {
		return classifyNetworkError("UDP close", err)
	}
	return nil
}

// IsOpen проверяет открыт ли элемент.
func (w *Writer) IsOpen() bool {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.open
}

// RemoteAddr возвращает адрес назначения, nil если элемент закрыт.
func (w *Writer) RemoteAddr() net.Addr {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	if w.conn == nil {
		return nil
	}
	return w.conn.RemoteAddr()
}

// Statistics возвращает снимок счетчиков.
func (w *Writer) Statistics() WriterStats {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.stats
}
