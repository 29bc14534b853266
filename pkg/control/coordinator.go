// Package control реализует координатор сессий домофона: многоклиентский
// управляющий TCP сервер, арбитраж единственного разговорного слота и
// управление медиа сессией, привязанной к держателю слота.
//
// Протокол управляющего канала — 4-байтовые little-endian коды команд без
// дополнительного фрейминга (см. пакет wire). Емкость таблицы клиентов
// фиксирована; соединение сверх емкости отклоняется немедленно, очереди
// ожидания нет. Разговорный слот в каждый момент держит не более чем один
// клиент: REQUEST_TALK выигрывает только при свободном слоте, остальным
// отвечается DENY_TALK.
//
// Замки таблицы клиентов и арбитража раздельны: рассылка звонка не ждет
// арбитраж и наоборот. Запуск и остановка медиа сериализованы собственным
// замком вне замка арбитража, построение конвейеров не мгновенно.
package control

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/door_phone/pkg/wire"
)

const (
	// DefaultMaxClients емкость таблицы клиентов по умолчанию
	DefaultMaxClients = 5

	// broadcastWriteDeadline предел записи уведомления одному клиенту при
	// рассылке: зависший клиент не должен задерживать остальных
	broadcastWriteDeadline = 50 * time.Millisecond

	// noTalker значение activeTalker при свободном разговорном слоте
	noTalker = -1
)

// MediaController управление медиа сессией с точки зрения координатора.
// Реализуется media.Session; узкий интерфейс удерживает координатор от
// знания внутренностей конвейеров.
type MediaController interface {
	// StartFor запускает медиа потоки, привязанные к адресу клиента
	StartFor(remoteIP string) error
	// StopAll останавливает все потоки сессии; повторные вызовы безвредны
	StopAll() error
}

// DoorOpener внешний исполнитель открытия двери. Координатор подтверждает
// команду эхом независимо от результата исполнения, ошибка исполнителя
// только логируется.
type DoorOpener interface {
	OpenDoor() error
}

// Config конфигурация координатора сессий.
type Config struct {
	// ListenAddr адрес управляющего TCP сервера
	ListenAddr string

	// MaxClients емкость таблицы клиентов. Соединение сверх емкости
	// отклоняется немедленно, без очереди ожидания.
	MaxClients int

	// Media медиа сессия устройства, обязательна
	Media MediaController

	// Door внешний исполнитель открытия двери, необязателен
	Door DoorOpener

	// Ready сигнал готовности сети: если задан, Start ждет закрытия
	// канала перед привязкой слушателя
	Ready <-chan struct{}

	// MetricsRegisterer реестр метрик Prometheus, nil — метрики не
	// экспортируются
	MetricsRegisterer prometheus.Registerer

	// Logger логгер компонента, nil — глобальный по умолчанию
	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию с портом протокола и емкостью
// таблицы по умолчанию. Media обязана быть заполнена вызывающим кодом.
func DefaultConfig() Config {
	return Config{
		ListenAddr: fmt.Sprintf(":%d", wire.DefaultControlPort),
		MaxClients: DefaultMaxClients,
	}
}

// Validate проверяет конфигурацию координатора.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return NewControlError(ErrorCodeInvalidConfig, "адрес слушателя не задан")
	}
	if c.MaxClients <= 0 {
		return NewControlError(ErrorCodeInvalidConfig,
			fmt.Sprintf("недопустимая емкость таблицы клиентов %d", c.MaxClients))
	}
	if c.Media == nil {
		return NewControlError(ErrorCodeInvalidConfig, "медиа сессия не задана")
	}
	return nil
}

// clientSlot один подключенный управляющий клиент таблицы.
type clientSlot struct {
	conn      net.Conn
	remoteIP  string
	connected bool

	// generation растет при каждом освобождении слота. Обработчик, чей слот
	// уже переиспользован новым клиентом, по несовпадению поколения не
	// трогает нового владельца.
	generation uint64
}

// Coordinator многоклиентский координатор сессий домофона.
//
// Принимает управляющие TCP соединения в слоты фиксированной таблицы,
// арбитрирует разговорный слот между клиентами и ведет привязанную медиа
// сессию: выдача слота запускает потоки к клиенту, завершение или
// отключение держателя останавливает их.
type Coordinator struct {
	config  Config
	logger  *slog.Logger
	metrics *metricsCollector

	// stateMu защищает started и listener
	stateMu  sync.Mutex
	started  bool
	listener net.Listener

	stopped atomic.Bool
	stopCh  chan struct{}

	// clientsMu защищает таблицу клиентов; арбитраж разговорного слота
	// живет под собственным talkerMu
	clientsMu sync.Mutex
	clients   []clientSlot

	// writeLocks сериализуют записи в соединение каждого слота: ответ
	// обработчика и рассылка звонка не перемешиваются в потоке байт.
	// Порядок захвата всегда clientsMu -> writeLocks[i], обратного нет.
	writeLocks []sync.Mutex

	talkerMu     sync.Mutex
	activeTalker int

	// sessionMu сериализует запуск и остановку медиа сессии
	sessionMu sync.Mutex

	wg sync.WaitGroup
}

// NewCoordinator создает координатор по конфигурации. Пустой адрес и нулевая
// емкость заменяются значениями по умолчанию.
func NewCoordinator(config Config) (*Coordinator, error) {
	if config.ListenAddr == "" {
		config.ListenAddr = fmt.Sprintf(":%d", wire.DefaultControlPort)
	}
	if config.MaxClients == 0 {
		config.MaxClients = DefaultMaxClients
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "control.coordinator")
	}

	return &Coordinator{
		config:       config,
		logger:       logger,
		metrics:      newMetricsCollector(config.MetricsRegisterer),
		clients:      make([]clientSlot, config.MaxClients),
		writeLocks:   make([]sync.Mutex, config.MaxClients),
		activeTalker: noTalker,
		stopCh:       make(chan struct{}),
	}, nil
}

// Start ждет сигнала готовности сети, если он задан, привязывает слушатель
// к управляющему адресу и запускает цикл приема. Start однократен: повторный
// вызов после любой попытки — ошибка.
func (c *Coordinator) Start() error {
	c.stateMu.Lock()
	if c.started {
		c.stateMu.Unlock()
		return NewControlError(ErrorCodeAlreadyStarted, "координатор уже запущен")
	}
	if c.stopped.Load() {
		c.stateMu.Unlock()
		return NewControlError(ErrorCodeStopped, "координатор остановлен")
	}
	c.started = true
	c.stateMu.Unlock()

	// Ожидание готовности вне stateMu: Addr и Stop не блокируются на
	// время гейта
	if c.config.Ready != nil {
		c.logger.Info("ожидание готовности сети перед запуском управляющего сервера")
		select {
		case <-c.config.Ready:
			if c.stopped.Load() {
				return NewControlError(ErrorCodeStopped, "координатор остановлен до готовности сети")
			}
		case <-c.stopCh:
			return NewControlError(ErrorCodeStopped, "координатор остановлен до готовности сети")
		}
	}

	listener, err := net.Listen("tcp", c.config.ListenAddr)
	if err != nil {
		return WrapControlError(ErrorCodeListenFailed,
			fmt.Sprintf("не удалось открыть слушатель на %s", c.config.ListenAddr), err)
	}

	c.stateMu.Lock()
	if c.stopped.Load() {
		// Stop успел между готовностью сети и привязкой
		c.stateMu.Unlock()
		_ = listener.Close()
		return NewControlError(ErrorCodeStopped, "координатор остановлен")
	}
	c.listener = listener
	c.wg.Add(1)
	c.stateMu.Unlock()

	go c.acceptLoop(listener)
	return nil
}

// Stop закрывает слушатель и все клиентские соединения, дожидается выхода
// обработчиков и останавливает активную медиа сессию. Повторный вызов —
// no-op с успехом.
func (c *Coordinator) Stop() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)

	c.stateMu.Lock()
	listener := c.listener
	c.stateMu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}

	// Закрытие соединений разблокирует обработчики; каждый сам очищает
	// свой слот, включая остановку медиа держателя разговорного слота
	c.clientsMu.Lock()
	for i := range c.clients {
		if c.clients[i].connected {
			_ = c.clients[i].conn.Close()
		}
	}
	c.clientsMu.Unlock()

	c.wg.Wait()

	// После выхода всех обработчиков активной сессии остаться не должно;
	// остановка идемпотентна
	c.sessionMu.Lock()
	err := c.config.Media.StopAll()
	c.sessionMu.Unlock()
	if err != nil {
		c.logger.Warn("остановка медиа при завершении вернула ошибку", "error", err)
	}

	c.logger.Info("control.Coordinator остановлен")
	return nil
}

// Addr возвращает адрес привязанного слушателя, nil до запуска.
func (c *Coordinator) Addr() net.Addr {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// ActiveClients возвращает число подключенных клиентов.
func (c *Coordinator) ActiveClients() int {
	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()

	n := 0
	for i := range c.clients {
		if c.clients[i].connected {
			n++
		}
	}
	return n
}

// BroadcastDoorbell рассылает DOORBELL_RING всем подключенным клиентам и
// возвращает число попыток отправки. Ошибка записи отдельному клиенту
// логируется и не прерывает рассылку: уведомление негарантированное,
// обнаружение мертвого соединения остается за циклом приема обработчика.
func (c *Coordinator) BroadcastDoorbell() int {
	var buf [wire.CommandSize]byte
	_, _ = wire.PutCommand(buf[:], wire.CommandDoorbellRing)

	attempts := 0
	c.clientsMu.Lock()
	for i := range c.clients {
		if !c.clients[i].connected {
			continue
		}
		conn := c.clients[i].conn
		attempts++

		c.writeLocks[i].Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(broadcastWriteDeadline))
		if _, err := conn.Write(buf[:]); err != nil {
			c.logger.Debug("уведомление о звонке клиенту не доставлено",
				"client", i, "error", err)
		}
		_ = conn.SetWriteDeadline(time.Time{})
		c.writeLocks[i].Unlock()
	}
	c.clientsMu.Unlock()

	c.metrics.doorbellBroadcasts.Inc()
	c.logger.Info("уведомление о дверном звонке разослано", "clients", attempts)
	return attempts
}

// acceptLoop принимает управляющие соединения, пока слушатель не закрыт.
func (c *Coordinator) acceptLoop(listener net.Listener) {
	defer c.wg.Done()
	c.logger.Info("управляющий сервер слушает", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if c.stopped.Load() || errors.Is(err, net.ErrClosed) {
				c.logger.Debug("control.acceptLoop остановлен")
				return
			}
			c.logger.Warn("ошибка приема соединения", "error", err)
			continue
		}

		c.metrics.connectionsTotal.Inc()
		c.addClient(conn)
	}
}

// addClient помещает соединение в свободный слот таблицы и запускает его
// обработчик. При отсутствии свободного слота соединение закрывается
// немедленно: отказ, не очередь.
func (c *Coordinator) addClient(conn net.Conn) bool {
	remoteIP := remoteIPOf(conn)

	c.clientsMu.Lock()
	if c.stopped.Load() {
		c.clientsMu.Unlock()
		_ = conn.Close()
		return false
	}
	for i := range c.clients {
		if c.clients[i].connected {
			continue
		}
		c.clients[i].conn = conn
		c.clients[i].remoteIP = remoteIP
		c.clients[i].connected = true
		gen := c.clients[i].generation
		// Add под замком таблицы: Stop помечает stopped до обхода
		// соединений, обработчик не ускользнет от wg.Wait
		c.wg.Add(1)
		c.clientsMu.Unlock()

		c.metrics.clientsActive.Inc()
		c.logger.Info("новый клиент подключен", "client", i, "remote", remoteIP)

		go c.handleClient(i, gen, conn, remoteIP)
		return true
	}
	c.clientsMu.Unlock()

	c.metrics.connectionsRejected.Inc()
	c.logger.Warn("свободных слотов нет, соединение отклонено", "remote", remoteIP)
	_ = conn.Close()
	return false
}

// handleClient цикл приема команд одного клиента. Живет до отключения
// клиента, ошибки приема или остановки координатора, после чего очищает
// свой слот.
func (c *Coordinator) handleClient(idx int, gen uint64, conn net.Conn, remoteIP string) {
	defer c.wg.Done()
	logger := c.logger.With("client", idx, "remote", remoteIP)
	logger.Debug("обработчик клиента запущен")

	var buf [wire.CommandSize]byte
	for {
		if _, err := io.ReadFull(conn, buf[:]); err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Info("клиент отключился")
			case c.stopped.Load() || errors.Is(err, net.ErrClosed):
				logger.Debug("обработчик клиента остановлен")
			default:
				logger.Warn("ошибка приема команды", "error", err)
			}
			c.cleanupClient(idx, gen)
			return
		}

		// ParseCommand на буфере фиксированного размера не ошибается
		cmd, _ := wire.ParseCommand(buf[:])
		c.metrics.commandsReceived.WithLabelValues(commandLabel(cmd)).Inc()
		logger.Debug("команда принята", "command", cmd.String())

		switch cmd {
		case wire.CommandRequestTalk:
			c.handleRequestTalk(idx, conn, remoteIP)
		case wire.CommandEndTalk:
			c.handleEndTalk(idx, conn)
		case wire.CommandOpenDoor:
			c.handleOpenDoor(idx, conn)
		default:
			// Неизвестный код: лог без ответа, соединение живет дальше
			logger.Warn("неизвестная команда", "command", uint32(cmd))
		}
	}
}

// handleRequestTalk обрабатывает запрос разговорного слота. Выдача отвечается
// GRANT_TALK до запуска медиа; неудачный запуск откатывает выдачу и
// сообщается запросившему как DENY_TALK.
func (c *Coordinator) handleRequestTalk(idx int, conn net.Conn, remoteIP string) {
	if !c.requestTalk(idx) {
		c.metrics.talkDenies.Inc()
		c.logger.Info("разговорный слот занят, клиенту отказано", "client", idx)
		if err := c.sendCommand(idx, conn, wire.CommandDenyTalk); err != nil {
			c.logger.Warn("ответ DENY_TALK не отправлен", "client", idx, "error", err)
		}
		return
	}

	c.metrics.talkGrants.Inc()
	c.logger.Info("разговорный слот выдан", "client", idx, "remote", remoteIP)
	if err := c.sendCommand(idx, conn, wire.CommandGrantTalk); err != nil {
		c.logger.Warn("ответ GRANT_TALK не отправлен", "client", idx, "error", err)
	}

	// Запуск медиа вне замка арбитража: построение конвейеров не мгновенно,
	// параллельные запросы не должны ждать его ради ответа DENY_TALK
	c.sessionMu.Lock()
	err := c.config.Media.StartFor(remoteIP)
	c.sessionMu.Unlock()
	if err != nil {
		c.releaseTalk(idx)
		c.metrics.mediaStartFailures.Inc()
		c.metrics.talkDenies.Inc()
		c.logger.Error("запуск медиа сессии не удался, выдача отозвана",
			"client", idx, "remote", remoteIP, "error", err)
		if err := c.sendCommand(idx, conn, wire.CommandDenyTalk); err != nil {
			c.logger.Warn("ответ DENY_TALK не отправлен", "client", idx, "error", err)
		}
	}
}

// handleEndTalk обрабатывает завершение разговора. Клиент без разговорного
// слота получает TALK_DID_NOT_END, чужой разговор не трогается.
func (c *Coordinator) handleEndTalk(idx int, conn net.Conn) {
	if !c.holdsTalk(idx) {
		c.logger.Warn("EndTalk от клиента без разговорного слота", "client", idx)
		if err := c.sendCommand(idx, conn, wire.CommandTalkDidNotEnd); err != nil {
			c.logger.Warn("ответ TALK_DID_NOT_END не отправлен", "client", idx, "error", err)
		}
		return
	}

	// Сначала полная остановка медиа, затем освобождение слота: новая
	// выдача не должна гоняться с доживающими потоками прежней
	c.sessionMu.Lock()
	if err := c.config.Media.StopAll(); err != nil {
		c.logger.Warn("остановка медиа сессии вернула ошибку", "client", idx, "error", err)
	}
	c.sessionMu.Unlock()
	c.releaseTalk(idx)

	c.logger.Info("разговор завершен", "client", idx)
	if err := c.sendCommand(idx, conn, wire.CommandTalkEnded); err != nil {
		c.logger.Warn("ответ TALK_ENDED не отправлен", "client", idx, "error", err)
	}
}

// handleOpenDoor подтверждает команду эхом и делегирует открытие внешнему
// исполнителю. Эхо безусловное: исполнение двери вне зоны ответственности
// координатора, его ошибка только логируется.
func (c *Coordinator) handleOpenDoor(idx int, conn net.Conn) {
	if err := c.sendCommand(idx, conn, wire.CommandOpenDoor); err != nil {
		c.logger.Warn("эхо OPEN_DOOR не отправлено", "client", idx, "error", err)
	}

	if c.config.Door == nil {
		c.logger.Info("запрос открытия двери без исполнителя", "client", idx)
		return
	}
	if err := c.config.Door.OpenDoor(); err != nil {
		c.logger.Error("исполнитель открытия двери вернул ошибку", "client", idx, "error", err)
		return
	}
	c.logger.Info("дверь открыта по запросу клиента", "client", idx)
}

// requestTalk пытается захватить разговорный слот для клиента idx.
func (c *Coordinator) requestTalk(idx int) bool {
	c.talkerMu.Lock()
	defer c.talkerMu.Unlock()

	if c.activeTalker != noTalker {
		return false
	}
	c.activeTalker = idx
	return true
}

// releaseTalk освобождает разговорный слот, если его держит клиент idx.
func (c *Coordinator) releaseTalk(idx int) bool {
	c.talkerMu.Lock()
	defer c.talkerMu.Unlock()

	if c.activeTalker != idx {
		return false
	}
	c.activeTalker = noTalker
	return true
}

// holdsTalk сообщает держит ли клиент idx разговорный слот
func (c *Coordinator) holdsTalk(idx int) bool {
	c.talkerMu.Lock()
	defer c.talkerMu.Unlock()
	return c.activeTalker == idx
}

// cleanupClient освобождает слот клиента после отключения или ошибки приема.
// Порядок обязателен: остановка медиа и освобождение арбитража предшествуют
// сбросу слота, чтобы новая выдача не гонялась с доживающими потоками.
// Несовпадение поколения означает, что слот уже переиспользован, и чистить
// нечего.
func (c *Coordinator) cleanupClient(idx int, gen uint64) {
	c.clientsMu.Lock()
	if !c.clients[idx].connected || c.clients[idx].generation != gen {
		c.clientsMu.Unlock()
		return
	}
	conn := c.clients[idx].conn
	c.clientsMu.Unlock()

	if c.holdsTalk(idx) {
		c.logger.Info("держатель разговорного слота отключился, разговор завершается",
			"client", idx)
		c.sessionMu.Lock()
		if err := c.config.Media.StopAll(); err != nil {
			c.logger.Warn("остановка медиа при очистке клиента вернула ошибку",
				"client", idx, "error", err)
		}
		c.sessionMu.Unlock()
		c.releaseTalk(idx)
	}

	// Слот все еще наш: connected не сбрасывался, переиспользование
	// невозможно до сброса ниже
	_ = conn.Close()
	c.clientsMu.Lock()
	c.clients[idx] = clientSlot{generation: gen + 1}
	c.clientsMu.Unlock()

	c.metrics.clientsActive.Dec()
	c.logger.Info("слот клиента освобожден", "client", idx)
}

// sendCommand отправляет код команды клиенту слота idx. Записи одного слота
// сериализованы: ответ обработчика и рассылка звонка не перемешиваются.
func (c *Coordinator) sendCommand(idx int, conn net.Conn, cmd wire.Command) error {
	var buf [wire.CommandSize]byte
	if _, err := wire.PutCommand(buf[:], cmd); err != nil {
		return err
	}

	c.writeLocks[idx].Lock()
	defer c.writeLocks[idx].Unlock()
	_, err := conn.Write(buf[:])
	return err
}

// remoteIPOf извлекает IP клиента без порта: медиа привязывается к адресу,
// порты протокола фиксированы.
func remoteIPOf(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
