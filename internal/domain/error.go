package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeFailedPrecond    ErrorCode = "FAILED_PRECONDITION"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeCanceled         ErrorCode = "CANCELED"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
	CodeProtocol         ErrorCode = "PROTOCOL"
	CodeRejected         ErrorCode = "REJECTED"
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

func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return CodeRejected, true
	}
	switch {
	case errors.Is(err, ErrUnknownTool), errors.Is(err, ErrUnknownServer):
		return CodeNotFound, true
	case errors.Is(err, ErrSessionUnavailable), errors.Is(err, ErrConnectionClosed):
		return CodeUnavailable, true
	case errors.Is(err, ErrCallTimeout):
		return CodeDeadlineExceeded, true
	case errors.Is(err, ErrCallCancelled):
		return CodeCanceled, true
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrMalformedFrame):
		return CodeProtocol, true
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrExecutableNotFound), errors.Is(err, ErrDuplicateServer):
		return CodeFailedPrecond, true
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied, true
	default:
		return "", false
	}
}

var ErrUnknownTool = errors.New("unknown tool")
var ErrUnknownServer = errors.New("unknown server")
var ErrSessionUnavailable = errors.New("session unavailable")
var ErrConnectionClosed = errors.New("connection closed")
var ErrCallTimeout = errors.New("call timed out")
var ErrCallCancelled = errors.New("call cancelled")
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")
var ErrMalformedFrame = errors.New("malformed frame")
var ErrInvalidCommand = errors.New("invalid command")
var ErrExecutableNotFound = errors.New("executable not found")
var ErrPermissionDenied = errors.New("permission denied")
var ErrDuplicateServer = errors.New("duplicate server name")
