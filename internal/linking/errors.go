package linking

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrLinkConflict       = errors.New("email linked to a different chat")
	ErrOTPExpired         = errors.New("otp expired")
	ErrOTPMismatch        = errors.New("otp mismatch")
	ErrInvariantViolation = errors.New("more than one active link request")
	ErrTransport          = errors.New("transport failure")
	ErrRequestNotFound    = errors.New("link request not found")
	ErrInvalidEvent       = errors.New("invalid event")
)

// TransportError оборачивает сбой хранилища или доставки уведомления.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// InvariantViolationError возвращается хранилищем, когда нашлось несколько
// активных запросов. Latest содержит самый свежий из них, с ним и продолжаем работу.
type InvariantViolationError struct {
	Email  string
	ChatID int64
	Count  int
	Latest LinkRequest
}

func (e *InvariantViolationError) Error() string {
	if e.Email != "" {
		return fmt.Sprintf("%d active link requests for email", e.Count)
	}
	return fmt.Sprintf("%d active link requests for chat %d", e.Count, e.ChatID)
}

func (e *InvariantViolationError) Is(target error) bool {
	return target == ErrInvariantViolation
}
