package tasks

import (
	"errors"
	"fmt"

	"github.com/bryanwahyu/automaton-node/internal/domain/scans"
)

// Class is the error taxonomy reported to the scheduler.
type Class string

const (
	NetworkError       Class = "NetworkError"
	ToolExecutionError Class = "ToolExecutionError"
	ToolTimeoutError   Class = "ToolTimeoutError"
	ToolInstallError   Class = "ToolInstallError"
	SourceSyncError    Class = "SourceSyncError"
	UploadError        Class = "UploadError"
	TaskTimeoutError   Class = "TaskTimeoutError"
	TaskCancelled      Class = "TaskCancelled"
	ValidationError    Class = "ValidationError"
	InternalError      Class = "InternalError"
)

// Error is the structured failure carried by a task and sent upstream.
type Error struct {
	Class   Class      `json:"class"`
	Stage   State      `json:"stage,omitempty"`
	Tool    scans.Tool `json:"tool,omitempty"`
	Message string     `json:"message"`
	Err     error      `json:"-"`
}

func (e *Error) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s in %s (%s): %s", e.Class, e.Stage, e.Tool, e.Message)
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s in %s: %s", e.Class, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(class Class, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Class: class, Message: msg, Err: err}
}

func Errorf(class Class, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Class: class, Message: err.Error(), Err: err}
}

// ClassOf returns the class of the first *Error in err's chain, or
// InternalError for anything unclassified.
func ClassOf(err error) Class {
	var te *Error
	if errors.As(err, &te) {
		return te.Class
	}
	return InternalError
}

// Transient reports whether the owning state may retry after err.
func Transient(err error) bool {
	return ClassOf(err) == NetworkError
}
