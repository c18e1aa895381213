package errors

import (
	"fmt"
)

type ErrorType string

const (
	ErrorTypeStorage         ErrorType = "STORAGE"
	ErrorTypeAlreadyInactive ErrorType = "ALREADY_INACTIVE"
)

// Sentinels for errors.Is. Only the Type is compared.
var (
	ErrStorage         = &Error{Type: ErrorTypeStorage, Message: "storage error"}
	ErrAlreadyInactive = &Error{Type: ErrorTypeAlreadyInactive, Message: "backup already inactive"}
)

// Error is returned by the dirstate guard. Storage errors carry the
// underlying I/O cause; AlreadyInactive errors mark a caller bug.
type Error struct {
	Type       ErrorType `json:"type"`
	Op         string    `json:"op,omitempty"`
	BackupName string    `json:"backup_name,omitempty"`
	Message    string    `json:"message"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same type, so
// errors.Is(err, ErrAlreadyInactive) works on any wrapped guard error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// Storage wraps a failure of the state store during op.
func Storage(op, backupName string, cause error) *Error {
	return &Error{
		Type:       ErrorTypeStorage,
		Op:         op,
		BackupName: backupName,
		Message:    fmt.Sprintf("dirstate %s failed for backup %s", op, backupName),
		Cause:      cause,
	}
}

// AlreadyInactive reports a close or release on a guard that is no
// longer in the state required for op.
func AlreadyInactive(op, backupName string) *Error {
	return &Error{
		Type:       ErrorTypeAlreadyInactive,
		Op:         op,
		BackupName: backupName,
		Message:    fmt.Sprintf("can't %s already inactivated backup: %s", op, backupName),
	}
}
