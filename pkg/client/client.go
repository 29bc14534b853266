// Package client реализует эталонного потребителя протокола домофона:
// клиента управляющего TCP канала и сборщик видео кадров из UDP фрагментов.
//
// Пакет живет на стороне оператора, устройство его не импортирует. Сквозные
// тесты устройства гоняют протокол именно через него, так что клиент и
// сервер проверяют друг друга.
package client

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arzzra/door_phone/pkg/wire"
)

// DefaultResponseTimeout предел ожидания ответа устройства на команду.
const DefaultResponseTimeout = 5 * time.Second

// ControlConfig конфигурация клиента управляющего канала.
type ControlConfig struct {
	// ResponseTimeout предел ожидания ответа на команду
	ResponseTimeout time.Duration

	// OnDoorbell вызывается на каждое уведомление DOORBELL_RING, встреченное
	// при ожидании ответа; nil — уведомление просто пропускается
	OnDoorbell func()

	// Logger логгер компонента
	Logger *slog.Logger
}

// DefaultControlConfig возвращает конфигурацию клиента по умолчанию.
func DefaultControlConfig() ControlConfig {
	return ControlConfig{
		ResponseTimeout: DefaultResponseTimeout,
	}
}

// Control клиент управляющего канала домофона.
//
// Запрос и ответ — одно 4-байтовое little-endian значение. Устройство может
// в любой момент прислать незапрошенное DOORBELL_RING; ожидание ответа
// пропускает такие уведомления, опционально сообщая о них через OnDoorbell.
// Команды и Next разделяют одно соединение и сериализованы между собой.
type Control struct {
	conn   net.Conn
	config ControlConfig
	logger *slog.Logger

	mu sync.Mutex
}

// Dial подключается к управляющему каналу устройства с конфигурацией по
// умолчанию.
func Dial(addr string) (*Control, error) {
	return DialConfig(addr, DefaultControlConfig())
}

// DialConfig подключается к управляющему каналу устройства.
func DialConfig(addr string, config ControlConfig) (*Control, error) {
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = DefaultResponseTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "client.control")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("подключение к %s: %w", addr, err)
	}

	logger.Debug("управляющий канал подключен", "addr", addr)
	return &Control{
		conn:   conn,
		config: config,
		logger: logger,
	}, nil
}

// RequestTalk запрашивает разговорный слот. Возвращает true при GRANT_TALK
// и false при DENY_TALK.
func (c *Control) RequestTalk() (bool, error) {
	resp, err := c.roundTrip(wire.CommandRequestTalk,
		wire.CommandGrantTalk, wire.CommandDenyTalk)
	if err != nil {
		return false, err
	}
	return resp == wire.CommandGrantTalk, nil
}

// EndTalk завершает разговор. Возвращает true при TALK_ENDED и false при
// TALK_DID_NOT_END (слот держал не этот клиент).
func (c *Control) EndTalk() (bool, error) {
	resp, err := c.roundTrip(wire.CommandEndTalk,
		wire.CommandTalkEnded, wire.CommandTalkDidNotEnd)
	if err != nil {
		return false, err
	}
	return resp == wire.CommandTalkEnded, nil
}

// OpenDoor просит открыть дверь и ждет эхо-подтверждения приема команды.
func (c *Control) OpenDoor() error {
	_, err := c.roundTrip(wire.CommandOpenDoor, wire.CommandOpenDoor)
	return err
}

// Next блокируется до следующего входящего кода команды, не дольше timeout;
// неположительный timeout означает ожидание без предела. Подходит для
// ожидания уведомлений DOORBELL_RING вне запросов.
func (c *Control) Next(timeout time.Duration) (wire.Command, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	return c.recv()
}

// Close закрывает соединение. Заблокированные Next и команды возвращаются
// с ошибкой.
func (c *Control) Close() error {
	return c.conn.Close()
}

// roundTrip отправляет команду и ждет один из ожидаемых ответов, пропуская
// уведомления DOORBELL_RING.
func (c *Control) roundTrip(cmd wire.Command, want ...wire.Command) (wire.Command, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(cmd); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(c.config.ResponseTimeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	for {
		resp, err := c.recv()
		if err != nil {
			return 0, fmt.Errorf("ожидание ответа на %s: %w", cmd, err)
		}
		if resp == wire.CommandDoorbellRing {
			c.logger.Debug("звонок в дверь во время ожидания ответа")
			if c.config.OnDoorbell != nil {
				c.config.OnDoorbell()
			}
			continue
		}
		for _, w := range want {
			if resp == w {
				return resp, nil
			}
		}
		return resp, fmt.Errorf("неожиданный ответ %s на %s", resp, cmd)
	}
}

func (c *Control) send(cmd wire.Command) error {
	var buf [wire.CommandSize]byte
	if _, err := wire.PutCommand(buf[:], cmd); err != nil {
		return err
	}
	if _, err := c.conn.Write(buf[:]); err != nil {
		return fmt.Errorf("отправка %s: %w", cmd, err)
	}
	return nil
}

func (c *Control) recv() (wire.Command, error) {
	var buf [wire.CommandSize]byte
	if _, err := io.ReadFull(c.conn, buf[:]); err != nil {
		return 0, err
	}
	return wire.ParseCommand(buf[:])
}
