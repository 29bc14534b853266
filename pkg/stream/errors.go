package stream

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Ошибки транспортного элемента.
var (
	// ErrReadTimeout в окне ожидания не пришло ни одной датаграммы.
	// Ожидаемый результат, не ошибка потока: вызывающий код заполняет
	// тишиной и повторяет чтение.
	ErrReadTimeout = errors.New("stream: таймаут чтения")

	// ErrClosed операция над закрытым элементом
	ErrClosed = errors.New("stream: элемент закрыт")

	// ErrPacketTooLarge заголовок и payload вместе превышают максимальный
	// размер UDP пакета
	ErrPacketTooLarge = errors.New("stream: пакет превышает максимальный размер")

	// errScatterGather платформа не поддерживает отправку из нескольких
	// буферов одним вызовом, используется резервный путь с копированием
	errScatterGather = errors.New("stream: scatter-gather недоступен")
)

// NetworkErrorType классифицирует сетевые ошибки для решения о повторе.
type NetworkErrorType int

const (
	// ErrorTypeTemporary временная ошибка, повтор имеет смысл
	ErrorTypeTemporary NetworkErrorType = iota
	// ErrorTypePermanent постоянная ошибка, повтор бессмыслен
	ErrorTypePermanent
	// ErrorTypeTimeout таймаут, нормальное поведение при отсутствии данных
	ErrorTypeTimeout
	// ErrorTypeConnection проблема соединения или маршрута
	ErrorTypeConnection
	// ErrorTypeNoBuffers нехватка сетевых буферов, пакет отбрасывается
	ErrorTypeNoBuffers
	// ErrorTypeUnknown неклассифицированная ошибка
	ErrorTypeUnknown
)

// ClassifiedError сетевая ошибка с типом и признаком повторяемости.
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s (type: %s, retryable: %t)",
		e.Operation, e.Err.Error(), e.typeString(), e.Retryable)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func (e *ClassifiedError) typeString() string {
	switch e.Type {
	case ErrorTypeTemporary:
		return "temporary"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeConnection:
		return "connection"
	case ErrorTypeNoBuffers:
		return "no_buffers"
	default:
		return "unknown"
	}
}

// classifyNetworkError анализирует сетевую ошибку и возвращает
// классифицированную версию с контекстом операции.
func classifyNetworkError(operation string, err error) error {
	if err == nil {
		return nil
	}

	classified := &ClassifiedError{
		Operation: operation,
		Err:       err,
		Type:      ErrorTypeUnknown,
		Retryable: false,
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		classified.Type = ErrorTypeTimeout
		classified.Retryable = true
		return classified
	}

	switch {
	case isNoBufferError(err):
		classified.Type = ErrorTypeNoBuffers
		classified.Retryable = true

	case errors.Is(err, net.ErrClosed):
		classified.Type = ErrorTypeConnection
		classified.Retryable = false

	case isConnectionError(err):
		classified.Type = ErrorTypeConnection
		classified.Retryable = true

	case isPermanentError(err):
		classified.Type = ErrorTypePermanent
		classified.Retryable = false
	}

	return classified
}

// isConnectionError проверяет связана ли ошибка с соединением или маршрутом
func isConnectionError(err error) bool {
	errStr := err.Error()
	for _, substr := range []string{
		"connection refused",
		"connection reset",
		"network is unreachable",
		"host is unreachable",
		"no route to host",
	} {
		if strings.Contains(errStr, substr) {
			return true
		}
	}
	return false
}

// isPermanentError проверяет является ли ошибка постоянной
func isPermanentError(err error) bool {
	errStr := err.Error()
	for _, substr := range []string{
		"invalid argument",
		"address family not supported",
		"permission denied",
		"operation not supported",
	} {
		if strings.Contains(errStr, substr) {
			return true
		}
	}
	return false
}
