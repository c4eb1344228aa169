package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures.
type ErrorKind string

const (
	KindConfig     ErrorKind = "config"
	KindConnection ErrorKind = "connection"
	KindRequest    ErrorKind = "request"
	KindProcessing ErrorKind = "processing"
	KindPayment    ErrorKind = "payment"
)

// Error is a categorized engine error. Message is safe to show to a requester;
// Err carries the underlying cause for logs.
type Error struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewConfigError(message string, cause error) *Error {
	return &Error{Kind: KindConfig, Message: message, Err: cause}
}

func NewConnectionError(message string, cause error) *Error {
	return &Error{Kind: KindConnection, Message: message, Err: cause}
}

func NewRequestError(message string, cause error) *Error {
	return &Error{Kind: KindRequest, Message: message, Err: cause}
}

func NewProcessingError(message string, cause error) *Error {
	return &Error{Kind: KindProcessing, Message: message, Err: cause}
}

func NewPaymentError(message string, cause error) *Error {
	return &Error{Kind: KindPayment, Message: message, Err: cause}
}

// KindOf returns the category of err, or "" when err is not categorized.
func KindOf(err error) ErrorKind {
	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Kind
	}
	return ""
}

// IsKind reports whether err is a categorized error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// PublicMessage returns the requester-facing reason for err.
func PublicMessage(err error) string {
	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Message
	}
	if err == nil {
		return ""
	}
	return "internal error"
}
