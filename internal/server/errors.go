// Package server implements the real-time coordination core: connection
// lifecycle, presence, room registry, message routing, notifications,
// and voice-call signaling over WebSocket connections.
package server

import (
	"errors"
	"fmt"

	"github.com/harbourchat/harbour/internal/store"
)

// ErrorCode classifies a routed error surfaced to the originating
// connection as a structured error event.
type ErrorCode string

const (
	// CodeAuthRequired indicates the connection has no identity attached.
	CodeAuthRequired ErrorCode = "authentication_required"
	// CodePermissionDenied indicates ban, mute, or role gating rejected the request.
	CodePermissionDenied ErrorCode = "permission_denied"
	// CodeNotFound indicates a missing room, recipient, or voice room.
	CodeNotFound ErrorCode = "not_found"
	// CodeValidation indicates a malformed draft or missing required target.
	CodeValidation ErrorCode = "validation_error"
	// CodeCapacity indicates a full voice room or the one-custom-room limit.
	CodeCapacity ErrorCode = "capacity_exceeded"
	// CodeStoreFailure indicates a durable write or read failed.
	CodeStoreFailure ErrorCode = "store_failure"
)

// Error is a coded, user-visible error. It is delivered only to the
// connection that issued the offending event and carries no side effects.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errAuthRequired(msg string) *Error {
	return &Error{Code: CodeAuthRequired, Message: msg}
}

func errPermissionDenied(msg string) *Error {
	return &Error{Code: CodePermissionDenied, Message: msg}
}

func errNotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

func errValidation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

func errCapacity(msg string) *Error {
	return &Error{Code: CodeCapacity, Message: msg}
}

func errStoreFailure(msg string) *Error {
	return &Error{Code: CodeStoreFailure, Message: msg}
}

// asRoutedError coerces an arbitrary error into a routed *Error. Store
// lookups that miss become not-found; everything else is reported as a
// transient store failure without leaking internals to the client.
func asRoutedError(err error) *Error {
	var routed *Error
	if errors.As(err, &routed) {
		return routed
	}
	if errors.Is(err, store.ErrNotFound) {
		return errNotFound("record not found")
	}
	return errStoreFailure("temporary storage failure, please retry")
}
