package media

import (
	"errors"
	"fmt"
)

// SessionErrorCode определяет типизированные коды ошибок медиа сессии.
// Позволяет разделять ошибки конфигурации, запуска и остановки конвейеров.
type SessionErrorCode int

const (
	// Ошибки жизненного цикла
	ErrorCodeSessionActive SessionErrorCode = iota + 2000
	ErrorCodeInvalidConfig

	// Ошибки запуска конвейеров
	ErrorCodeAudioSendSetup
	ErrorCodeAudioReceiveSetup
	ErrorCodeVideoSetup

	// Ошибки остановки
	ErrorCodePipelineStuck
)

// String возвращает строковое представление кода ошибки
func (code SessionErrorCode) String() string {
	switch code {
	case ErrorCodeSessionActive:
		return "SessionActive"
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	case ErrorCodeAudioSendSetup:
		return "AudioSendSetup"
	case ErrorCodeAudioReceiveSetup:
		return "AudioReceiveSetup"
	case ErrorCodeVideoSetup:
		return "VideoSetup"
	case ErrorCodePipelineStuck:
		return "PipelineStuck"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// SessionError ошибка медиа сессии.
// Несет типизированный код, идентификатор сессии для сопоставления с логами,
// контекст операции и обернутую причину.
type SessionError struct {
	Code      SessionErrorCode
	Message   string
	SessionID string
	Context   map[string]interface{}
	Wrapped   error
}

// Error реализует интерфейс error.
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[медиа:%d] сессия %s: %s", e.Code, e.SessionID, e.Message)
	}
	return fmt.Sprintf("[медиа:%d] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *SessionError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, сравнивая ошибки по коду.
func (e *SessionError) Is(target error) bool {
	if t, ok := target.(*SessionError); ok {
		return e.Code == t.Code
	}
	return false
}

// GetContext возвращает значение из контекста ошибки по ключу.
func (e *SessionError) GetContext(key string) interface{} {
	if e.Context == nil {
		return nil
	}
	return e.Context[key]
}

// NewSessionError создает ошибку сессии с контекстом.
func NewSessionError(code SessionErrorCode, sessionID, message string) *SessionError {
	return &SessionError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	}
}

// WrapSessionError оборачивает причину в ошибку сессии.
func WrapSessionError(code SessionErrorCode, sessionID, message string, err error) *SessionError {
	return &SessionError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Wrapped:   err,
	}
}

// HasErrorCode проверяет содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code SessionErrorCode) bool {
	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		return sessionErr.Code == code
	}
	return false
}
