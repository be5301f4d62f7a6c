// Package apperr defines the error taxonomy shared by the ledger, the
// transition coordinator, the chat gateway and the transports.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and transport mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindInvalidState
	KindAuthorization
	KindNotFound
	KindConflict
	KindTransientInfra
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInvalidState:
		return "invalid_state"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransientInfra:
		return "transient_infra"
	default:
		return "unknown"
	}
}

// Codes distinguish causes that share a Kind. Callers compare with errors.Is
// against the sentinels below.
const (
	CodeInvalidInput          = "invalid_input"
	CodeWrongState            = "wrong_state"
	CodeNoChatHistory         = "no_chat_history"
	CodeNotParticipant        = "not_participant"
	CodeConsultationNotActive = "consultation_not_active"
	CodeMessageTooShort       = "message_too_short"
	CodeNotAssignedDoctor     = "not_assigned_doctor"
	CodeForbidden             = "forbidden"
	CodeNotFound              = "not_found"
	CodeDuplicate             = "duplicate"
	CodeBrokerUnavailable     = "broker_unavailable"
	CodeUnauthenticated       = "unauthenticated"
	CodeNoCompletedVisit      = "no_completed_consultation"
)

var (
	ErrInvalidInput          = &Error{Kind: KindValidation, Code: CodeInvalidInput}
	ErrWrongState            = &Error{Kind: KindInvalidState, Code: CodeWrongState}
	ErrNoChatHistory         = &Error{Kind: KindInvalidState, Code: CodeNoChatHistory}
	ErrNotParticipant        = &Error{Kind: KindAuthorization, Code: CodeNotParticipant}
	ErrConsultationNotActive = &Error{Kind: KindInvalidState, Code: CodeConsultationNotActive}
	ErrMessageTooShort       = &Error{Kind: KindValidation, Code: CodeMessageTooShort}
	ErrNotAssignedDoctor     = &Error{Kind: KindAuthorization, Code: CodeNotAssignedDoctor}
	ErrForbidden             = &Error{Kind: KindAuthorization, Code: CodeForbidden}
	ErrNotFound              = &Error{Kind: KindNotFound, Code: CodeNotFound}
	ErrDuplicate             = &Error{Kind: KindConflict, Code: CodeDuplicate}
	ErrBrokerUnavailable     = &Error{Kind: KindTransientInfra, Code: CodeBrokerUnavailable}
	ErrUnauthenticated       = &Error{Kind: KindAuthorization, Code: CodeUnauthenticated}
	ErrNoCompletedVisit      = &Error{Kind: KindInvalidState, Code: CodeNoCompletedVisit}
)

// Error is a classified failure. Msg is safe to show to callers; Err carries
// the underlying cause, if any.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, or with the same kind when
// the target carries no code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Kind == t.Kind
}

// New returns an error of the same kind and code as sentinel with a
// formatted message.
func New(sentinel *Error, format string, args ...any) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap is New with an underlying cause.
func Wrap(sentinel *Error, err error, format string, args ...any) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// MessageOf returns the caller-facing message of the first *Error in err's
// chain, falling back to err.Error().
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return err.Error()
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
