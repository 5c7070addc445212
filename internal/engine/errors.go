// Package engine implements workflow instance execution: the activity
// executor, task dispatcher, bookmark registry, history logger and sweeps.
package engine

import (
	"errors"
	"fmt"

	"github.com/i2y/leanflow/internal/storage"
)

// Code is a stable error code returned to API callers.
type Code string

const (
	CodeDefinitionNotFound         Code = "DefinitionNotFound"
	CodeInstanceNotFound           Code = "InstanceNotFound"
	CodeTaskNotFound               Code = "TaskNotFound"
	CodeDuplicateBusinessKey       Code = "DuplicateBusinessKey"
	CodeDuplicateBookmark          Code = "DuplicateBookmark"
	CodeInvalidStateTransition     Code = "InvalidStateTransition"
	CodeInstanceTerminal           Code = "InstanceTerminal"
	CodeTaskNotPending             Code = "TaskNotPending"
	CodeConcurrentModification     Code = "ConcurrentModification"
	CodeBookmarkExpired            Code = "BookmarkExpired"
	CodeCompensationPartialFailure Code = "CompensationPartialFailure"
	CodeSystemError                Code = "SystemError"
	CodeInvalidArgument            Code = "InvalidArgument"
	CodeOperationNotPermitted      Code = "OperationNotPermitted"
)

// Error is the typed error returned by every engine operation.
type Error struct {
	Code    Code
	Message string
	Err     error
	// Data carries structured details, e.g. the remaining activity IDs of a
	// partial compensation.
	Data map[string]any
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so errors.Is works against
// the sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrDefinitionNotFound         = &Error{Code: CodeDefinitionNotFound}
	ErrInstanceNotFound           = &Error{Code: CodeInstanceNotFound}
	ErrTaskNotFound               = &Error{Code: CodeTaskNotFound}
	ErrDuplicateBusinessKey       = &Error{Code: CodeDuplicateBusinessKey}
	ErrDuplicateBookmark          = &Error{Code: CodeDuplicateBookmark}
	ErrInvalidStateTransition     = &Error{Code: CodeInvalidStateTransition}
	ErrInstanceTerminal           = &Error{Code: CodeInstanceTerminal}
	ErrTaskNotPending             = &Error{Code: CodeTaskNotPending}
	ErrConcurrentModification     = &Error{Code: CodeConcurrentModification}
	ErrBookmarkExpired            = &Error{Code: CodeBookmarkExpired}
	ErrCompensationPartialFailure = &Error{Code: CodeCompensationPartialFailure}
	ErrSystemError                = &Error{Code: CodeSystemError}
	ErrInvalidArgument            = &Error{Code: CodeInvalidArgument}
	ErrOperationNotPermitted      = &Error{Code: CodeOperationNotPermitted}
)

// Errorf creates an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code carried by err, or SystemError for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeSystemError
}

// wrapStorage translates storage sentinels. notFound is the code used for
// storage.ErrNotFound; anything unexpected becomes SystemError.
func wrapStorage(err error, notFound Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Code: notFound, Message: msg, Err: err}
	case errors.Is(err, storage.ErrVersionConflict):
		return &Error{Code: CodeConcurrentModification, Message: msg, Err: err}
	}
	return &Error{Code: CodeSystemError, Message: msg, Err: err}
}

// systemError wraps an unexpected error.
func systemError(err error, format string, args ...any) error {
	return wrapStorage(err, CodeSystemError, format, args...)
}
