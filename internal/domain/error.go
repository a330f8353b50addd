package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument       ErrorCode = "INVALID_ARGUMENT"
	CodeProtocol              ErrorCode = "PROTOCOL"
	CodeConnection            ErrorCode = "CONNECTION"
	CodeTimeout               ErrorCode = "TIMEOUT"
	CodeUnknownCapability     ErrorCode = "UNKNOWN_CAPABILITY"
	CodeInvocation            ErrorCode = "INVOCATION"
	CodeDuplicateRegistration ErrorCode = "DUPLICATE_REGISTRATION"
	CodeAlreadyRunning        ErrorCode = "ALREADY_RUNNING"
	CodeLimitExceeded         ErrorCode = "LIMIT_EXCEEDED"
	CodeToolUnavailable       ErrorCode = "TOOL_UNAVAILABLE"
	CodeCanceled              ErrorCode = "CANCELED"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeInternal              ErrorCode = "INTERNAL"
)

var (
	ErrConnectionClosed      = errors.New("connection closed")
	ErrHandshakeRequired     = errors.New("handshake required")
	ErrIncompatibleProtocol  = errors.New("incompatible protocol version")
	ErrUnknownCapability     = errors.New("unknown capability")
	ErrDuplicateRegistration = errors.New("capability already registered")
	ErrAlreadyRunning        = errors.New("server already running")
	ErrServerNotFound        = errors.New("server not registered")
	ErrNoCachedListing       = errors.New("no cached listing available")
)

type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:    existing.Code,
			Op:      op,
			Message: existing.Message,
			Cause:   existing.Cause,
		}
	}
	return E(code, op, "", err)
}

// CodeFrom maps an error to its taxonomy code. Sentinel errors produced by
// the transport and repository layers resolve to stable codes so callers can
// branch without string matching.
func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	switch {
	case errors.Is(err, ErrIncompatibleProtocol), errors.Is(err, ErrHandshakeRequired):
		return CodeProtocol, true
	case errors.Is(err, ErrConnectionClosed):
		return CodeConnection, true
	case errors.Is(err, ErrUnknownCapability):
		return CodeUnknownCapability, true
	case errors.Is(err, ErrDuplicateRegistration):
		return CodeDuplicateRegistration, true
	case errors.Is(err, ErrAlreadyRunning):
		return CodeAlreadyRunning, true
	case errors.Is(err, ErrServerNotFound), errors.Is(err, ErrNoCachedListing):
		return CodeNotFound, true
	default:
		return "", false
	}
}
