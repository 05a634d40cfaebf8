// Package errs defines the error kinds shared by the stores, the gateway and
// the pipeline.
package errs

import (
	"errors"
	"fmt"
)

// Kinds. Match with errors.Is.
var (
	// ErrValidation: a record or model output does not have the required shape.
	ErrValidation = errors.New("validation error")

	// ErrConfig: a required prompt or setting is missing.
	ErrConfig = errors.New("config error")

	// ErrGateway: the model call failed (network, auth, quota, other status).
	ErrGateway = errors.New("gateway error")

	// ErrLockTimeout: the store lock could not be obtained in time.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrTransientIO: a filesystem error that is worth retrying.
	ErrTransientIO = errors.New("transient io error")

	// ErrDraftExists: a draft for the source mail is already stored.
	ErrDraftExists = errors.New("draft already exists")
)

// Error codes
const (
	CodeValidation  = "VALIDATION"
	CodeConfig      = "CONFIG"
	CodeNetwork     = "NETWORK"
	CodeAuth        = "AUTH"
	CodeQuota       = "QUOTA"
	CodeAPI         = "API"
	CodeBadResponse = "BAD_RESPONSE"
	CodeLockTimeout = "LOCK_TIMEOUT"
	CodeTransientIO = "TRANSIENT_IO"
	CodeDraftExists = "DRAFT_EXISTS"
)

// Error carries a kind, a machine code and a human message.
type Error struct {
	Kind    error
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Is matches the kind sentinel.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind error, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(ErrValidation, CodeValidation, fmt.Sprintf(format, args...))
}

func Config(format string, args ...any) *Error {
	return New(ErrConfig, CodeConfig, fmt.Sprintf(format, args...))
}

// Gateway builds a gateway error with the given code.
func Gateway(code, message string, err error) *Error {
	return Wrap(ErrGateway, code, message, err)
}

// CodeOf returns the code of the first *Error in the chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
