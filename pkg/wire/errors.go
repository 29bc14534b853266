package wire

import "errors"

// Ошибки кодека. Сравниваются через errors.Is, в том числе после обертывания
// с дополнительным контекстом.
var (
	// ErrHeaderTooShort буфер короче фиксированного размера заголовка
	ErrHeaderTooShort = errors.New("wire: буфер короче заголовка")

	// ErrWrongPacketType первый байт не совпадает с ожидаемым типом пакета
	ErrWrongPacketType = errors.New("wire: неверный тип пакета")

	// ErrBufferTooSmall буфер назначения мал для сериализации заголовка
	ErrBufferTooSmall = errors.New("wire: буфер мал для записи заголовка")

	// ErrCommandTooShort буфер короче 4-байтового кода команды
	ErrCommandTooShort = errors.New("wire: буфер короче кода команды")
)
