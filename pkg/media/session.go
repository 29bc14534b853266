// Package media реализует медиа сессию домофона: пару аудио конвейеров и
// видео стример, привязанные к одному удаленному адресу и управляемые как
// единое целое.
//
// Конвейер отправки читает порции PCM из микрофона и отдает их транспортному
// элементу записи. Конвейер приема читает датаграммы транспортным элементом
// чтения, разбирает аудио заголовок и воспроизводит payload; на таймауте
// чтения в динамик уходит тишина, чтобы воспроизведение не голодало.
//
// StartFor и StopAll — одна атомарная единица: частично запущенная сессия
// никогда не остается жить, остановка терпима к повторным вызовам.
// Одновременно на устройстве активна не более чем одна сессия; это
// обеспечивает вызывающий слой.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/door_phone/pkg/stream"
	"github.com/arzzra/door_phone/pkg/video"
	"github.com/arzzra/door_phone/pkg/wire"
)

const (
	// DefaultChunkSize порция PCM одного пакета: 324 байта, при 8kHz/16bit
	// mono это около 20ms звука
	DefaultChunkSize = 324

	// sourceRetryDelay пауза после неудачного чтения микрофона
	sourceRetryDelay = 20 * time.Millisecond

	// pipelineJoinTimeout предел ожидания выхода конвейеров при остановке.
	// Превышение означает утечку ресурсов и сообщается наверх, не маскируется.
	pipelineJoinTimeout = 2 * time.Second
)

// SessionConfig конфигурация медиа сессии.
type SessionConfig struct {
	// Source микрофон, обязателен
	Source AudioSource

	// Sink динамик, обязателен
	Sink AudioSink

	// Camera источник видео кадров, обязателен
	Camera video.Camera

	// Network семейство адресов UDP транспорта
	Network string

	// AudioPort UDP порт аудио в обе стороны: локальная привязка приема
	// и порт назначения отправки
	AudioPort int

	// VideoPort UDP порт назначения видео
	VideoPort int

	// ChunkSize размер порции PCM одного пакета
	ChunkSize int

	// FPS целевая частота кадров видео
	FPS int

	// Logger логгер компонента
	Logger *slog.Logger
}

// DefaultSessionConfig возвращает конфигурацию сессии по умолчанию
// (без устройств: Source, Sink и Camera задает вызывающий код).
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Network:   "udp4",
		AudioPort: wire.DefaultAudioPort,
		VideoPort: wire.DefaultVideoPort,
		ChunkSize: DefaultChunkSize,
		FPS:       video.DefaultFPS,
	}
}

// Validate проверяет конфигурацию.
func (c SessionConfig) Validate() error {
	if c.Source == nil {
		return NewSessionError(ErrorCodeInvalidConfig, "", "источник аудио не задан")
	}
	if c.Sink == nil {
		return NewSessionError(ErrorCodeInvalidConfig, "", "приемник аудио не задан")
	}
	if c.Camera == nil {
		return NewSessionError(ErrorCodeInvalidConfig, "", "камера не задана")
	}
	if c.AudioPort <= 0 || c.AudioPort > 65535 {
		return NewSessionError(ErrorCodeInvalidConfig, "",
			fmt.Sprintf("недопустимый аудио порт %d", c.AudioPort))
	}
	if c.VideoPort <= 0 || c.VideoPort > 65535 {
		return NewSessionError(ErrorCodeInvalidConfig, "",
			fmt.Sprintf("недопустимый видео порт %d", c.VideoPort))
	}
	if c.ChunkSize <= 0 || c.ChunkSize > wire.MaxPacketSize-wire.AudioHeaderSize {
		return NewSessionError(ErrorCodeInvalidConfig, "",
			fmt.Sprintf("недопустимый размер порции %d", c.ChunkSize))
	}
	return nil
}

// SessionStats снимок состояния и счетчиков сессии.
type SessionStats struct {
	SessionID string
	RemoteIP  string
	Active    bool

	ChunksSent       uint64
	ChunksPlayed     uint64
	SilenceFills     uint64
	SequenceGaps     uint64
	MalformedPackets uint64
	SourceErrors     uint64
	InputError       bool

	Writer stream.WriterStats
	Reader stream.ReaderStats
	Video  video.Stats
}

// Session медиа сессия. Создается один раз при инициализации устройства,
// запускается и останавливается на каждый разговор.
type Session struct {
	config   SessionConfig
	logger   *slog.Logger
	streamer *video.Streamer

	active    bool
	sessionID string
	remoteIP  string
	reader    *stream.Reader
	writer    *stream.Writer
	cancel    context.CancelFunc
	pipelines *sync.WaitGroup

	mutex sync.RWMutex

	// Счетчики конвейеров под отдельным замком: циклы обновляют их, пока
	// StopAll держит основной мьютекс
	chunksSent       uint64
	chunksPlayed     uint64
	silenceFills     uint64
	sequenceGaps     uint64
	malformedPackets uint64
	sourceErrors     uint64
	inputError       bool
	statsMu          sync.Mutex
}

// NewSession создает медиа сессию. Сокеты не открываются до StartFor.
func NewSession(config SessionConfig) (*Session, error) {
	if config.Network == "" {
		config.Network = "udp4"
	}
	if config.AudioPort == 0 {
		config.AudioPort = wire.DefaultAudioPort
	}
	if config.VideoPort == 0 {
		config.VideoPort = wire.DefaultVideoPort
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.FPS == 0 {
		config.FPS = video.DefaultFPS
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "media.session")
	}

	streamer, err := video.NewStreamer(video.StreamerConfig{
		Camera:     config.Camera,
		FPS:        config.FPS,
		RemotePort: config.VideoPort,
		Network:    config.Network,
		Logger:     logger,
	})
	if err != nil {
		return nil, WrapSessionError(ErrorCodeInvalidConfig, "", "видео стример не создан", err)
	}

	return &Session{
		config:   config,
		logger:   logger,
		streamer: streamer,
	}, nil
}

// StartFor запускает сессию, привязанную к remoteIP: конвейер отправки аудио,
// конвейер приема аудио, затем видео стример. Ошибка на любом шаге полностью
// откатывает уже построенное, частично запущенная сессия не остается жить.
func (s *Session) StartFor(remoteIP string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.active {
		return NewSessionError(ErrorCodeSessionActive, s.sessionID,
			fmt.Sprintf("сессия уже привязана к %s", s.remoteIP))
	}

	sessionID := uuid.NewString()
	logger := s.logger.With("session_id", sessionID, "remote", remoteIP)

	// Конвейер отправки: микрофон -> транспорт
	writer, err := stream.NewWriter(stream.WriterConfig{
		Network:    s.config.Network,
		RemoteAddr: net.JoinHostPort(remoteIP, strconv.Itoa(s.config.AudioPort)),
		MaxPayload: s.config.ChunkSize,
		Logger:     logger,
	})
	if err != nil {
		return WrapSessionError(ErrorCodeAudioSendSetup, sessionID, "транспорт отправки не создан", err)
	}
	if err := writer.Open(); err != nil {
		return WrapSessionError(ErrorCodeAudioSendSetup, sessionID, "транспорт отправки не открыт", err)
	}

	// Конвейер приема: транспорт -> динамик
	reader, err := stream.NewReader(stream.ReaderConfig{
		Network:   s.config.Network,
		LocalPort: s.config.AudioPort,
		Logger:    logger,
	})
	if err != nil {
		writer.Close()
		return WrapSessionError(ErrorCodeAudioReceiveSetup, sessionID, "транспорт приема не создан", err)
	}
	if err := reader.Open(); err != nil {
		writer.Close()
		return WrapSessionError(ErrorCodeAudioReceiveSetup, sessionID, "транспорт приема не открыт", err)
	}

	// Видео стример, привязанный к тому же адресу
	if err := s.streamer.Start(remoteIP); err != nil {
		reader.Close()
		writer.Close()
		return WrapSessionError(ErrorCodeVideoSetup, sessionID, "видео поток не запущен", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go s.sendLoop(ctx, wg, writer, logger)
	go s.recvLoop(ctx, wg, reader, logger)

	s.active = true
	s.sessionID = sessionID
	s.remoteIP = remoteIP
	s.reader = reader
	s.writer = writer
	s.cancel = cancel
	s.pipelines = wg

	s.statsMu.Lock()
	s.chunksSent = 0
	s.chunksPlayed = 0
	s.silenceFills = 0
	s.sequenceGaps = 0
	s.malformedPackets = 0
	s.sourceErrors = 0
	s.inputError = false
	s.statsMu.Unlock()

	logger.Debug("media.Session запущена",
		"audio_port", s.config.AudioPort, "video_port", s.config.VideoPort)

	return nil
}

// StopAll останавливает оба аудио конвейера и видео стример. Терпим к вызову
// на неактивной сессии. Конвейеры обязаны выйти быстро: превышение предела
// ожидания сообщается как ошибка утечки ресурсов.
func (s *Session) StopAll() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.active {
		return nil
	}

	logger := s.logger.With("session_id", s.sessionID, "remote", s.remoteIP)

	s.cancel()
	// Закрытие элементов разблокирует висящие чтение и запись
	if err := s.reader.Close(); err != nil {
		logger.Warn("ошибка закрытия транспорта приема", "error", err)
	}
	if err := s.writer.Close(); err != nil {
		logger.Warn("ошибка закрытия транспорта отправки", "error", err)
	}

	var stopErr error
	if !waitTimeout(s.pipelines, pipelineJoinTimeout) {
		stopErr = NewSessionError(ErrorCodePipelineStuck, s.sessionID,
			"аудио конвейеры не вышли за отведенное время")
		logger.Error("утечка ресурсов: аудио конвейеры не завершились",
			"timeout", pipelineJoinTimeout)
	}

	if err := s.streamer.Stop(); err != nil {
		if errors.Is(err, video.ErrForcedStop) {
			logger.Warn("видео поток остановлен принудительно")
			if stopErr == nil {
				stopErr = WrapSessionError(ErrorCodePipelineStuck, s.sessionID,
					"видео задача остановлена принудительно", err)
			}
		} else {
			logger.Warn("ошибка остановки видео потока", "error", err)
			if stopErr == nil {
				stopErr = WrapSessionError(ErrorCodeVideoSetup, s.sessionID,
					"видео поток не остановлен", err)
			}
		}
	}

	s.active = false
	s.remoteIP = ""
	s.reader = nil
	s.writer = nil
	s.cancel = nil
	s.pipelines = nil

	logger.Debug("media.Session остановлена")

	return stopErr
}

// IsActive проверяет активна ли сессия.
func (s *Session) IsActive() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.active
}

// RemoteIP возвращает адрес, к которому привязана активная сессия,
// пустую строку в покое.
func (s *Session) RemoteIP() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.remoteIP
}

// Statistics возвращает снимок счетчиков сессии.
func (s *Session) Statistics() SessionStats {
	s.mutex.RLock()
	stats := SessionStats{
		SessionID: s.sessionID,
		RemoteIP:  s.remoteIP,
		Active:    s.active,
		Video:     s.streamer.Statistics(),
	}
	if s.writer != nil {
		stats.Writer = s.writer.Statistics()
	}
	if s.reader != nil {
		stats.Reader = s.reader.Statistics()
	}
	s.mutex.RUnlock()

	s.statsMu.Lock()
	stats.ChunksSent = s.chunksSent
	stats.ChunksPlayed = s.chunksPlayed
	stats.SilenceFills = s.silenceFills
	stats.SequenceGaps = s.sequenceGaps
	stats.MalformedPackets = s.malformedPackets
	stats.SourceErrors = s.sourceErrors
	stats.InputError = s.inputError
	s.statsMu.Unlock()

	return stats
}

// sendLoop конвейер отправки: читает порции из микрофона и кадрирует их
// транспортным элементом. Временные ошибки поглощаются, поток важнее
// отдельной порции.
func (s *Session) sendLoop(ctx context.Context, wg *sync.WaitGroup, writer *stream.Writer, logger *slog.Logger) {
	defer wg.Done()

	logger.Debug("media.sendLoop запущен")
	buf := make([]byte, s.config.ChunkSize)

	for {
		if ctx.Err() != nil {
			logger.Debug("media.sendLoop остановлен")
			return
		}

		n, err := s.config.Source.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("media.sendLoop остановлен")
				return
			}
			logger.Warn("чтение микрофона не удалось", "error", err)
			s.statsMu.Lock()
			s.sourceErrors++
			s.statsMu.Unlock()
			time.Sleep(sourceRetryDelay)
			continue
		}
		if n == 0 {
			continue
		}

		if _, err := writer.Write(buf[:n]); err != nil {
			if errors.Is(err, stream.ErrClosed) || ctx.Err() != nil {
				logger.Debug("media.sendLoop остановлен")
				return
			}
			logger.Warn("отправка аудио пакета не удалась", "error", err)
			continue
		}

		s.statsMu.Lock()
		s.chunksSent++
		s.statsMu.Unlock()
	}
}

// recvLoop конвейер приема: читает датаграммы, разбирает аудио заголовок и
// воспроизводит payload. Таймаут чтения заполняется тишиной, битые пакеты
// отбрасываются со счетчиком, ошибка сокета помечает вход ошибочным и
// завершает конвейер без повторов.
func (s *Session) recvLoop(ctx context.Context, wg *sync.WaitGroup, reader *stream.Reader, logger *slog.Logger) {
	defer wg.Done()

	logger.Debug("media.recvLoop запущен")
	buf := make([]byte, wire.MaxPacketSize)
	silence := make([]byte, s.config.ChunkSize)

	var nextSeq uint32
	var haveSeq bool

	for {
		if ctx.Err() != nil {
			logger.Debug("media.recvLoop остановлен")
			return
		}

		// Неограниченное ожидание сведено к ограниченному опросу:
		// каждый таймаут — шанс перепроверить условие остановки
		n, err := reader.Read(buf, 0)
		if errors.Is(err, stream.ErrReadTimeout) {
			if _, werr := s.config.Sink.Write(silence); werr != nil {
				logger.Warn("динамик не принял тишину", "error", werr)
			}
			s.statsMu.Lock()
			s.silenceFills++
			s.statsMu.Unlock()
			continue
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, stream.ErrClosed) || errors.Is(err, net.ErrClosed) {
				logger.Debug("media.recvLoop остановлен")
				return
			}
			// Вход помечается ошибочным и сообщается наверх, элемент
			// не перезапускается на этом уровне
			s.statsMu.Lock()
			s.inputError = true
			s.statsMu.Unlock()
			logger.Error("ошибка входного аудио потока", "error", err)
			return
		}

		var header wire.AudioHeader
		hn, err := header.Unmarshal(buf[:n])
		if err != nil {
			s.statsMu.Lock()
			s.malformedPackets++
			s.statsMu.Unlock()
			logger.Debug("входной пакет отброшен", "error", err)
			continue
		}

		payload := buf[hn:n]
		if int(header.PayloadLen) > len(payload) {
			s.statsMu.Lock()
			s.malformedPackets++
			s.statsMu.Unlock()
			logger.Debug("входной пакет отброшен: длина в заголовке больше датаграммы",
				"header_len", header.PayloadLen, "have", len(payload))
			continue
		}
		payload = payload[:header.PayloadLen]

		if haveSeq && header.Sequence != nextSeq {
			s.statsMu.Lock()
			s.sequenceGaps++
			s.statsMu.Unlock()
		}
		nextSeq = header.Sequence + 1
		haveSeq = true

		if _, err := s.config.Sink.Write(payload); err != nil {
			logger.Warn("воспроизведение не удалось", "error", err)
			continue
		}

		s.statsMu.Lock()
		s.chunksPlayed++
		s.statsMu.Unlock()
	}
}

// waitTimeout ждет wg не дольше d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
