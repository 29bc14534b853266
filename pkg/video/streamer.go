// Package video реализует видео стример: периодический захват кадров камеры,
// фрагментацию под размер UDP пакета и отправку фрагментов привязанному
// удаленному адресу.
//
// Стример в каждый момент времени привязан не более чем к одному адресу.
// Жизненный цикл idle -> streaming -> stopping -> idle; остановка синхронная
// с ограниченным ожиданием выхода задачи и принудительным освобождением
// сокета, если задача застряла в драйвере камеры.
package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/door_phone/pkg/stream"
	"github.com/arzzra/door_phone/pkg/wire"
)

const (
	// DefaultFPS целевая частота кадров
	DefaultFPS = 20

	// DefaultStopRetries число интервалов ожидания выхода задачи при остановке
	DefaultStopRetries = 10

	// stopPollInterval один интервал ожидания при остановке
	stopPollInterval = 100 * time.Millisecond

	// sendCompensation поправка такта на время отправки фрагментов кадра
	sendCompensation = 5 * time.Millisecond
)

// Ошибки стримера.
var (
	// ErrStopInProgress старт во время незавершенной остановки
	ErrStopInProgress = errors.New("video: остановка потока не завершена")

	// ErrForcedStop задача не вышла за отведенное время, сокет освобожден
	// принудительно
	ErrForcedStop = errors.New("video: поток остановлен принудительно")
)

// StreamerConfig конфигурация видео стримера.
type StreamerConfig struct {
	// Camera источник кадров, обязателен
	Camera Camera

	// FPS целевая частота кадров
	FPS int

	// RemotePort UDP порт приемника видео
	RemotePort int

	// MaxFragmentPayload максимальный размер фрагмента кадра в одном пакете
	MaxFragmentPayload int

	// Network семейство адресов транспорта
	Network string

	// StopRetries число интервалов по 100ms, отведенных задаче на выход
	StopRetries int

	// Logger логгер компонента
	Logger *slog.Logger
}

// DefaultStreamerConfig возвращает конфигурацию стримера по умолчанию.
func DefaultStreamerConfig() StreamerConfig {
	return StreamerConfig{
		FPS:                DefaultFPS,
		RemotePort:         wire.DefaultVideoPort,
		MaxFragmentPayload: wire.MaxVideoPayload,
		Network:            "udp4",
		StopRetries:        DefaultStopRetries,
	}
}

// Validate проверяет конфигурацию.
func (c StreamerConfig) Validate() error {
	if c.Camera == nil {
		return fmt.Errorf("video: камера не задана")
	}
	if c.FPS <= 0 {
		return fmt.Errorf("video: недопустимый FPS %d", c.FPS)
	}
	if c.RemotePort <= 0 || c.RemotePort > 65535 {
		return fmt.Errorf("video: недопустимый порт приемника %d", c.RemotePort)
	}
	if c.MaxFragmentPayload <= 0 || c.MaxFragmentPayload > wire.MaxVideoPayload {
		return fmt.Errorf("video: недопустимый размер фрагмента %d", c.MaxFragmentPayload)
	}
	if c.StopRetries <= 0 {
		return fmt.Errorf("video: недопустимое число попыток остановки %d", c.StopRetries)
	}
	return nil
}

// Stats счетчики стримера.
type Stats struct {
	FramesSent    uint64
	FragmentsSent uint64
	FramesSkipped uint64
	SendErrors    uint64
	LastFrameID   uint32
}

// Streamer владеет циклом захвата камеры, нумерацией кадров и фрагментацией
// кадров в пакеты транспортного элемента.
//
// Start и Stop безопасны для конкурентного вызова. Повторный Start во время
// стриминга — no-op с успехом, Stop в покое — no-op с успехом.
type Streamer struct {
	config StreamerConfig
	logger *slog.Logger

	machine *fsm.FSM
	writer  *stream.Writer
	stopCh  chan struct{}
	doneCh  chan struct{}

	stats Stats

	mutex sync.Mutex
}

// NewStreamer создает стример. Транспорт не открывается до вызова Start.
func NewStreamer(config StreamerConfig) (*Streamer, error) {
	if config.FPS == 0 {
		config.FPS = DefaultFPS
	}
	if config.RemotePort == 0 {
		config.RemotePort = wire.DefaultVideoPort
	}
	if config.MaxFragmentPayload == 0 {
		config.MaxFragmentPayload = wire.MaxVideoPayload
	}
	if config.Network == "" {
		config.Network = "udp4"
	}
	if config.StopRetries == 0 {
		config.StopRetries = DefaultStopRetries
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "video.streamer")
	}

	return &Streamer{
		config:  config,
		logger:  logger,
		machine: newStreamFSM(),
	}, nil
}

// Start привязывает стример к remoteIP, сбрасывает идентификатор кадра в ноль
// и запускает периодическую задачу захвата. Если поток уже идет — no-op с
// успехом.
func (s *Streamer) Start(remoteIP string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch s.machine.Current() {
	case StateStreaming:
		return nil
	case StateStopping:
		return ErrStopInProgress
	}

	writer, err := stream.NewWriter(stream.WriterConfig{
		Network:    s.config.Network,
		RemoteAddr: net.JoinHostPort(remoteIP, strconv.Itoa(s.config.RemotePort)),
		MaxPayload: s.config.MaxFragmentPayload,
		Logger:     s.logger,
	})
	if err != nil {
		return fmt.Errorf("video: транспорт не создан: %w", err)
	}
	if err := writer.Open(); err != nil {
		return fmt.Errorf("video: транспорт не открыт: %w", err)
	}

	if err := s.machine.Event(context.Background(), eventStart); err != nil {
		writer.Close()
		return fmt.Errorf("video: переход в streaming невозможен: %w", err)
	}

	s.writer = writer
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.stats = Stats{}

	go s.streamLoop(writer, s.stopCh, s.doneCh)

	s.logger.Debug("video.Streamer запущен",
		"remote", writer.RemoteAddr().String(), "fps", s.config.FPS)

	return nil
}

// Stop синхронно останавливает поток: запрашивает остановку и ждет выхода
// задачи не дольше StopRetries интервалов по 100ms. Если задача не вышла
// (застрявший вызов камеры), сокет освобождается принудительно и возвращается
// ErrForcedStop. Stop в покое — no-op с успехом.
func (s *Streamer) Stop() error {
	s.mutex.Lock()

	switch s.machine.Current() {
	case StateIdle:
		s.mutex.Unlock()
		return nil

	case StateStopping:
		// Остановку уже ведет другой вызов, дожидаемся ее
		done := s.doneCh
		s.mutex.Unlock()
		select {
		case <-done:
		case <-time.After(s.stopTimeout()):
		}
		return nil
	}

	if err := s.machine.Event(context.Background(), eventStop); err != nil {
		s.mutex.Unlock()
		return fmt.Errorf("video: переход в stopping невозможен: %w", err)
	}
	close(s.stopCh)
	writer := s.writer
	done := s.doneCh
	s.mutex.Unlock()

	forced := false
	select {
	case <-done:
	case <-time.After(s.stopTimeout()):
		forced = true
		s.logger.Error("видео задача не вышла за отведенное время, сокет освобождается принудительно",
			"timeout", s.stopTimeout())
	}

	if err := writer.Close(); err != nil {
		s.logger.Warn("ошибка закрытия видео транспорта", "error", err)
	}

	s.mutex.Lock()
	if err := s.machine.Event(context.Background(), eventStopped); err != nil {
		s.logger.Warn("переход в idle не удался", "error", err)
	}
	s.writer = nil
	s.mutex.Unlock()

	s.logger.Debug("video.Streamer остановлен", "forced", forced)

	if forced {
		return ErrForcedStop
	}
	return nil
}

// IsStreaming проверяет идет ли поток.
func (s *Streamer) IsStreaming() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.machine.Is(StateStreaming)
}

// State возвращает текущее состояние стримера.
func (s *Streamer) State() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.machine.Current()
}

// Statistics возвращает снимок счетчиков текущего запуска.
func (s *Streamer) Statistics() Stats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats
}

func (s *Streamer) stopTimeout() time.Duration {
	return time.Duration(s.config.StopRetries) * stopPollInterval
}

// frameInterval такт захвата: период кадра за вычетом поправки на время
// отправки фрагментов.
func (s *Streamer) frameInterval() time.Duration {
	interval := time.Second/time.Duration(s.config.FPS) - sendCompensation
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

// streamLoop периодическая задача стримера: захват, фрагментация, отправка.
// Ошибка захвата пропускает такт, ошибка отправки обрывает кадр; и то и
// другое не фатально для потока.
func (s *Streamer) streamLoop(writer *stream.Writer, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	interval := s.frameInterval()
	s.logger.Debug("video.Streamer цикл захвата запущен", "interval", interval)

	var frameID uint32
	for {
		select {
		case <-stopCh:
			s.logger.Debug("video.Streamer цикл захвата остановлен")
			return
		default:
		}

		frame, err := s.config.Camera.Capture()
		if err != nil {
			s.logger.Warn("захват кадра не удался, такт пропущен", "error", err)
			s.mutex.Lock()
			s.stats.FramesSkipped++
			s.mutex.Unlock()
		} else {
			sent, err := s.sendFrame(writer, frame.Data, frameID)
			frame.Release()

			s.mutex.Lock()
			if err != nil {
				s.stats.SendErrors++
				s.stats.FragmentsSent += uint64(sent)
			} else {
				s.stats.FramesSent++
				s.stats.FragmentsSent += uint64(sent)
				s.stats.LastFrameID = frameID
			}
			s.mutex.Unlock()

			if err != nil {
				s.logger.Warn("отправка кадра прервана",
					"frame_id", frameID, "fragments_sent", sent, "error", err)
			}
			frameID++
		}

		select {
		case <-stopCh:
			s.logger.Debug("video.Streamer цикл захвата остановлен")
			return
		case <-time.After(interval):
		}
	}
}

// sendFrame режет кадр на фрагменты не длиннее MaxFragmentPayload и
// отправляет каждый с заголовком текущего кадра. Все фрагменты кадра несут
// одну метку времени захвата. Фрагмент — срез прямо в буфер кадра, данные
// не копируются. При ошибке отправки остаток кадра отбрасывается.
//
// Возвращает число отправленных фрагментов.
func (s *Streamer) sendFrame(writer *stream.Writer, data []byte, frameID uint32) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	maxPayload := s.config.MaxFragmentPayload
	total := (len(data) + maxPayload - 1) / maxPayload
	if total > math.MaxUint16 {
		return 0, fmt.Errorf("video: кадр %d байт требует %d фрагментов, превышен uint16",
			len(data), total)
	}

	timestamp := time.Now().UnixMilli()
	var hdr [wire.VideoHeaderSize]byte

	for i := 0; i < total; i++ {
		off := i * maxPayload
		end := off + maxPayload
		if end > len(data) {
			end = len(data)
		}
		fragment := data[off:end]

		header := wire.VideoHeader{
			FrameID:        frameID,
			Timestamp:      timestamp,
			FragmentLen:    uint16(len(fragment)),
			FragmentSeq:    uint16(i),
			TotalFragments: uint16(total),
		}
		if _, err := header.MarshalTo(hdr[:]); err != nil {
			return i, err
		}

		if err := writer.WritePacket(hdr[:], fragment); err != nil {
			return i, err
		}

		// Уступка планировщику между фрагментами, чтобы не душить
		// сетевой стек очередью отправок
		runtime.Gosched()
	}

	return total, nil
}
