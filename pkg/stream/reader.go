package stream

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ReaderConfig конфигурация принимающего элемента.
type ReaderConfig struct {
	// Network семейство адресов: "udp", "udp4" или "udp6"
	Network string

	// LocalPort локальный порт приема. Ноль допустим для тестов:
	// система выдает свободный порт.
	LocalPort int

	// ReadTimeout верхняя граница одного ожидания чтения, применяется
	// когда вызывающий код запросил неограниченное ожидание
	ReadTimeout time.Duration

	// RecvBufferSize размер приемного буфера сокета в байтах, 0 — системный
	RecvBufferSize int

	// Logger логгер компонента, по умолчанию slog.Default с пометкой stream
	Logger *slog.Logger
}

// DefaultReaderConfig возвращает конфигурацию приема аудио по умолчанию.
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		Network:     "udp4",
		ReadTimeout: DefaultReadTimeout,
	}
}

// Validate проверяет конфигурацию.
func (c ReaderConfig) Validate() error {
	switch c.Network {
	case "udp", "udp4", "udp6":
	default:
		return fmt.Errorf("stream: неизвестное семейство адресов %q", c.Network)
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return fmt.Errorf("stream: недопустимый локальный порт %d", c.LocalPort)
	}
	return nil
}

// Reader принимающий транспортный элемент. Владеет ровно одним UDP сокетом,
// открытым на фиксированном локальном порту.
//
// Open и Close идемпотентны. Close освобождает сокет и разблокирует
// незавершенный Read.
type Reader struct {
	config ReaderConfig
	logger *slog.Logger

	conn *net.UDPConn
	open bool

	stats ReaderStats

	mutex sync.RWMutex
}

// ReaderStats счетчики принимающего элемента.
type ReaderStats struct {
	PacketsReceived uint64
	BytesReceived   uint64
	Timeouts        uint64
}

// NewReader создает принимающий элемент. Сокет не открывается до вызова Open.
func NewReader(config ReaderConfig) (*Reader, error) {
	if config.Network == "" {
		config.Network = "udp4"
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "stream.reader")
	}

	return &Reader{
		config: config,
		logger: logger,
	}, nil
}

// Open привязывает сокет к локальному порту. Повторный вызов на открытом
// элементе — no-op с успехом.
func (r *Reader) Open() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.open {
		return nil
	}

	conn, err := net.ListenUDP(r.config.Network, &net.UDPAddr{Port: r.config.LocalPort})
	if err != nil {
		return classifyNetworkError("UDP bind", err)
	}

	if r.config.RecvBufferSize > 0 {
		if err := conn.SetReadBuffer(r.config.RecvBufferSize); err != nil {
			r.logger.Warn("не удалось установить приемный буфер сокета",
				"size", r.config.RecvBufferSize, "error", err)
		}
	}
	if err := setSockOptMedia(conn); err != nil {
		r.logger.Debug("опции сокета не применены", "error", err)
	}

	r.conn = conn
	r.open = true
	r.logger.Debug("stream.Reader открыт", "local_addr", conn.LocalAddr().String())

	return nil
}

// Read ждет одну датаграмму не дольше timeout и копирует ее в buf.
//
// Контракт таймаута: неположительный timeout означает запрос неограниченного
// ожидания и внутренне сводится к ReadTimeout конфигурации (по умолчанию
// 100ms), так что вызывающий конвейер всегда может перепроверить условие
// остановки. Желающим ждать бесконечно следует повторять вызов, получая
// ErrReadTimeout.
//
// Возвращает число принятых байт, ErrReadTimeout при отсутствии данных в
// окне ожидания или классифицированную ошибку сокета.
func (r *Reader) Read(buf []byte, timeout time.Duration) (int, error) {
	r.mutex.RLock()
	open := r.open
	conn := r.conn
	r.mutex.RUnlock()

	if !open {
		return 0, ErrClosed
	}

	if timeout <= 0 {
		timeout = r.config.ReadTimeout
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, classifyNetworkError("UDP set deadline", err)
	}

	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			r.mutex.Lock()
			r.stats.Timeouts++
			r.mutex.Unlock()
			return 0, ErrReadTimeout
		}
		return 0, classifyNetworkError("UDP read", err)
	}

	r.mutex.Lock()
	r.stats.PacketsReceived++
	r.stats.BytesReceived += uint64(n)
	r.mutex.Unlock()

	return n, nil
}

// Close освобождает сокет. Повторный вызов — no-op с успехом.
func (r *Reader) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.open {
		return nil
	}
	r.open = false

	err := r.conn.Close()
	r.conn = nil
	r.logger.Debug("stream.Reader закрыт")

	if err != nil {
		return classifyNetworkError("UDP close", err)
	}
	return nil
}

// IsOpen проверяет открыт ли элемент.
func (r *Reader) IsOpen() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.open
}

// LocalAddr возвращает адрес привязанного сокета, nil если элемент закрыт.
func (r *Reader) LocalAddr() net.Addr {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Statistics возвращает снимок счетчиков.
func (r *Reader) Statistics() ReaderStats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.stats
}
