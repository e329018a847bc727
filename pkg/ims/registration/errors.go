package registration

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped операция на остановленном менеджере
	ErrStopped = errors.New("registration manager stopped")

	// ErrAborted цикл регистрации прерван через Stop или Restart
	ErrAborted = errors.New("registration cycle aborted")

	// ErrNoProxy proxy не задан через SetProxy
	ErrNoProxy = errors.New("registration proxy not set")
)

// Reason причина неудачи регистрации
type Reason int

const (
	// ReasonTimeout нет финального ответа за время транзакции
	ReasonTimeout Reason = iota
	// ReasonTransport ошибка отправки
	ReasonTransport
	// ReasonAuthentication превышен порог 401 или ошибка challenge
	ReasonAuthentication
	// ReasonIntervalTooBrief 423 без Min-Expires
	ReasonIntervalTooBrief
	// ReasonProtocol некорректный ответ сервера (P-Associated-URI, Contact в 302)
	ReasonProtocol
	// ReasonRejected любой другой финальный код
	ReasonRejected
	// ReasonTooManyRetries слишком много 302/423 подряд в одном цикле
	ReasonTooManyRetries
)

func (r Reason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonTransport:
		return "transport"
	case ReasonAuthentication:
		return "authentication"
	case ReasonIntervalTooBrief:
		return "interval_too_brief"
	case ReasonProtocol:
		return "protocol"
	case ReasonRejected:
		return "rejected"
	case ReasonTooManyRetries:
		return "too_many_retries"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Error ошибка цикла регистрации, передается слушателю
type Error struct {
	Reason Reason
	// Code код SIP ответа, 0 если ответа не было
	Code   int
	Phrase string
	// Fatal цикл завершен, следующая попытка только по backoff
	Fatal bool
	Err   error
}

func (e *Error) Error() string {
	msg := "registration failed: " + e.Reason.String()
	if e.Code != 0 {
		msg += fmt.Sprintf(" (%d %s)", e.Code, e.Phrase)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}
