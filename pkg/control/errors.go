package control

import (
	"errors"
	"fmt"
)

// ControlErrorCode определяет типизированные коды ошибок координатора.
// Разделяет ошибки конфигурации и жизненного цикла сервера.
type ControlErrorCode int

const (
	ErrorCodeInvalidConfig ControlErrorCode = iota + 3000
	ErrorCodeAlreadyStarted
	ErrorCodeStopped
	ErrorCodeListenFailed
)

// String возвращает строковое представление кода ошибки
func (code ControlErrorCode) String() string {
	switch code {
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	case ErrorCodeAlreadyStarted:
		return "AlreadyStarted"
	case ErrorCodeStopped:
		return "Stopped"
	case ErrorCodeListenFailed:
		return "ListenFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// ControlError ошибка координатора.
// Несет типизированный код, контекст операции и обернутую причину.
type ControlError struct {
	Code    ControlErrorCode
	Message string
	Context map[string]interface{}
	Wrapped error
}

// Error реализует интерфейс error.
func (e *ControlError) Error() string {
	return fmt.Sprintf("[контроль:%d] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *ControlError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, сравнивая ошибки по коду.
func (e *ControlError) Is(target error) bool {
	if t, ok := target.(*ControlError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewControlError создает ошибку координатора.
func NewControlError(code ControlErrorCode, message string) *ControlError {
	return &ControlError{
		Code:    code,
		Message: message,
	}
}

// WrapControlError оборачивает причину в ошибку координатора.
func WrapControlError(code ControlErrorCode, message string, err error) *ControlError {
	return &ControlError{
		Code:    code,
		Message: message,
		Wrapped: err,
	}
}

// HasErrorCode проверяет содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code ControlErrorCode) bool {
	var controlErr *ControlError
	if errors.As(err, &controlErr) {
		return controlErr.Code == code
	}
	return false
}
