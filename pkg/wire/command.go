package wire

import (
	"encoding/binary"
	"fmt"
)

// Command код команды управляющего канала. Передается по TCP как одно
// 4-байтовое значение little-endian, без дополнительного фрейминга.
type Command uint32

// Команды управляющего канала. Запросы идут от клиента к устройству,
// ответы и уведомления — от устройства к клиенту.
const (
	// CommandRequestTalk запрос на захват разговорного слота
	CommandRequestTalk Command = 0
	// CommandEndTalk запрос на завершение разговора
	CommandEndTalk Command = 1
	// CommandGrantTalk слот выдан запросившему клиенту
	CommandGrantTalk Command = 2
	// CommandDenyTalk слот занят или запуск медиа не удался
	CommandDenyTalk Command = 3
	// CommandTalkEnded разговор завершен по запросу держателя слота
	CommandTalkEnded Command = 4
	// CommandDoorbellRing уведомление о нажатии кнопки звонка, рассылается
	// всем подключенным клиентам в любой момент
	CommandDoorbellRing Command = 5
	// CommandOpenDoor запрос на открытие двери, подтверждается эхом
	CommandOpenDoor Command = 6
	// CommandTalkDidNotEnd ответ на EndTalk от клиента, не держащего слот
	CommandTalkDidNotEnd Command = 7
)

// CommandSize размер кода команды на проводе в байтах.
const CommandSize = 4

// String возвращает строковое представление команды для логов.
func (c Command) String() string {
	switch c {
	case CommandRequestTalk:
		return "REQUEST_TALK"
	case CommandEndTalk:
		return "END_TALK"
	case CommandGrantTalk:
		return "GRANT_TALK"
	case CommandDenyTalk:
		return "DENY_TALK"
	case CommandTalkEnded:
		return "TALK_ENDED"
	case CommandDoorbellRing:
		return "DOORBELL_RING"
	case CommandOpenDoor:
		return "OPEN_DOOR"
	case CommandTalkDidNotEnd:
		return "TALK_DID_NOT_END"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(c))
	}
}

// PutCommand записывает код команды в начало buf.
func PutCommand(buf []byte, c Command) (int, error) {
	if len(buf) < CommandSize {
		return 0, fmt.Errorf("%w: нужно %d, есть %d", ErrBufferTooSmall, CommandSize, len(buf))
	}
	binary.LittleEndian.PutUint32(buf[:CommandSize], uint32(c))
	return CommandSize, nil
}

// AppendCommand дописывает код команды в конец buf и возвращает новый срез.
func AppendCommand(buf []byte, c Command) []byte {
	return binary.LittleEndian.AppendUint32(buf, uint32(c))
}

// ParseCommand читает код команды из начала buf.
func ParseCommand(buf []byte) (Command, error) {
	if len(buf) < CommandSize {
		return 0, fmt.Errorf("%w: нужно %d, есть %d", ErrCommandTooShort, CommandSize, len(buf))
	}
	return Command(binary.LittleEndian.Uint32(buf[:CommandSize])), nil
}
