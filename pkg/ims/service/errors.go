package service

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacity достигнут предел сессий сервиса
	ErrCapacity = errors.New("service session limit reached")
	// ErrSessionNotFound сессия не найдена
	ErrSessionNotFound = errors.New("session not found")
	// ErrDisabled сервис выключен
	ErrDisabled = errors.New("service disabled")
)

// RejectError отказ по политике, отправляется как SIP ответ с кодом Code
type RejectError struct {
	Code   int
	Reason string
	Err    error
}

// Reject создает RejectError
func Reject(code int, reason string) *RejectError {
	return &RejectError{Code: code, Reason: reason}
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rejected %d %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("rejected %d %s", e.Code, e.Reason)
}

func (e *RejectError) Unwrap() error {
	return e.Err
}
