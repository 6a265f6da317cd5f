package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/npezzotti/go-huddle/internal/database"
)

type ErrorKind string

const (
	KindNotFound       ErrorKind = "not_found"
	KindForbidden      ErrorKind = "forbidden"
	KindNotParticipant ErrorKind = "not_participant"
	KindInvalidInput   ErrorKind = "invalid_input"
	KindUnavailable    ErrorKind = "unavailable"
	KindConflict       ErrorKind = "conflict"
	KindInternal       ErrorKind = "internal"
)

// Error is returned by every core operation and is what a session sees in an
// error event.
type Error struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden, KindNotParticipant:
		return http.StatusForbidden
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrRoomNotFound       = &Error{Kind: KindNotFound, Detail: "room not found"}
	ErrCallNotFound       = &Error{Kind: KindNotFound, Detail: "unknown call"}
	ErrForbidden          = &Error{Kind: KindForbidden, Detail: "not a member of this room"}
	ErrNotHost            = &Error{Kind: KindForbidden, Detail: "only the host may do this"}
	ErrNotParticipant     = &Error{Kind: KindNotParticipant, Detail: "not a call participant"}
	ErrEmptyBody          = &Error{Kind: KindInvalidInput, Detail: "message body is empty"}
	ErrInvalidRoom        = &Error{Kind: KindInvalidInput, Detail: "room has no conversation"}
	ErrInvalidMessage     = &Error{Kind: KindInvalidInput, Detail: "invalid message format"}
	ErrUnavailable        = &Error{Kind: KindUnavailable, Detail: "target has no active session"}
	ErrServiceUnavailable = &Error{Kind: KindUnavailable, Detail: "service unavailable"}
	ErrInvalidTransition  = &Error{Kind: KindConflict, Detail: "invalid call state transition"}
	ErrInternal           = &Error{Kind: KindInternal, Detail: "internal server error"}

	// errRoomClosed and errCallClosed tell a sender that the actor exited
	// before accepting its request.
	errRoomClosed = errors.New("room closed")
	errCallClosed = errors.New("call closed")
)

func invalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Detail: fmt.Sprintf(format, args...)}
}

// AsError classifies err for a client. Anything that is not already an
// *Error is reported as internal so store details never leak.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	if errors.Is(err, database.ErrNotFound) {
		return &Error{Kind: KindNotFound, Detail: "not found"}
	}

	return ErrInternal
}

// KindOf returns the error kind of err, or "" for nil.
func KindOf(err error) ErrorKind {
	if e := AsError(err); e != nil {
		return e.Kind
	}
	return ""
}
