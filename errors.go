// Package leanflow is a workflow execution engine for approval-style
// business processes: versioned definitions, human tasks, timers, message
// correlation, sub-processes and compensation on SQLite, PostgreSQL or MySQL.
package leanflow

import (
	"github.com/i2y/leanflow/internal/engine"
)

// Error is the typed error every App operation returns. errors.Is matches
// it against the Err* values below by code.
type Error = engine.Error

// ErrorCode is a stable error code.
type ErrorCode = engine.Code

// Error codes.
const (
	CodeDefinitionNotFound         = engine.CodeDefinitionNotFound
	CodeInstanceNotFound           = engine.CodeInstanceNotFound
	CodeTaskNotFound               = engine.CodeTaskNotFound
	CodeDuplicateBusinessKey       = engine.CodeDuplicateBusinessKey
	CodeDuplicateBookmark          = engine.CodeDuplicateBookmark
	CodeInvalidStateTransition     = engine.CodeInvalidStateTransition
	CodeInstanceTerminal           = engine.CodeInstanceTerminal
	CodeTaskNotPending             = engine.CodeTaskNotPending
	CodeConcurrentModification     = engine.CodeConcurrentModification
	CodeBookmarkExpired            = engine.CodeBookmarkExpired
	CodeCompensationPartialFailure = engine.CodeCompensationPartialFailure
	CodeSystemError                = engine.CodeSystemError
	CodeInvalidArgument            = engine.CodeInvalidArgument
	CodeOperationNotPermitted      = engine.CodeOperationNotPermitted
)

// Sentinels for errors.Is.
var (
	ErrDefinitionNotFound         = engine.ErrDefinitionNotFound
	ErrInstanceNotFound           = engine.ErrInstanceNotFound
	ErrTaskNotFound               = engine.ErrTaskNotFound
	ErrDuplicateBusinessKey       = engine.ErrDuplicateBusinessKey
	ErrDuplicateBookmark          = engine.ErrDuplicateBookmark
	ErrInvalidStateTransition     = engine.ErrInvalidStateTransition
	ErrInstanceTerminal           = engine.ErrInstanceTerminal
	ErrTaskNotPending             = engine.ErrTaskNotPending
	ErrConcurrentModification     = engine.ErrConcurrentModification
	ErrBookmarkExpired            = engine.ErrBookmarkExpired
	ErrCompensationPartialFailure = engine.ErrCompensationPartialFailure
	ErrSystemError                = engine.ErrSystemError
	ErrInvalidArgument            = engine.ErrInvalidArgument
	ErrOperationNotPermitted      = engine.ErrOperationNotPermitted
)

// CodeOf returns the code of err, or SystemError for untyped errors.
func CodeOf(err error) ErrorCode {
	return engine.CodeOf(err)
}
