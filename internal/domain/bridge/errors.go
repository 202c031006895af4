// Package bridge defines the core domain types shared across the gateway:
// the error taxonomy, the response envelope, and protocol constants.
package bridge

import (
	"errors"
	"fmt"
)

// ProtocolVersion is the MCP protocol revision this gateway speaks and
// advertises to upstreams via the MCP-Protocol-Version header.
const ProtocolVersion = "2025-06-18"

// Error codes returned inside the response envelope.
const (
	CodeReadOnly         = "read_only"
	CodeNoConfig         = "no_config"
	CodeInvalid          = "invalid"
	CodeInvalidJSON      = "invalid_json"
	CodeInvalidTimeout   = "invalid_timeout"
	CodeTimeout          = "timeout"
	CodeDisabled         = "disabled"
	CodeProtocol         = "protocol"
	CodeNotFound         = "not_found"
	CodeExists           = "exists"
	CodeIOError          = "io_error"
	CodeReloadFailed     = "reload_failed"
	CodeReinitFailed     = "reinit_failed"
	CodeOutputValidation = "output_validation"
	CodeUnexpected       = "unexpected"
)

// Error is the domain error carried from services up to HTTP handlers.
// Status is the suggested HTTP status; Data is attached to the envelope
// error object verbatim (e.g. {"max": 600} for invalid_timeout).
type Error struct {
	Code    string
	Message string
	Status  int
	Data    map[string]any
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// NewError builds a domain error with the given code, HTTP status and message.
func NewError(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured data to the error and returns it.
func (e *Error) WithData(data map[string]any) *Error {
	e.Data = data
	return e
}

// Wrap records an underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

// AsError extracts a *Error from err, or wraps err as an unexpected
// internal error so every failure path produces a well-formed envelope.
func AsError(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return &Error{Code: CodeUnexpected, Status: 500, Message: err.Error(), wrapped: err}
}

// MCPErrorStatus maps JSON-RPC protocol error codes surfaced by upstreams
// to HTTP statuses.
func MCPErrorStatus(code int) int {
	switch code {
	case -32700: // parse error
		return 400
	case -32600: // invalid request
		return 400
	case -32601: // method not found
		return 404
	case -32602: // invalid params
		return 422
	case -32603: // internal error
		return 500
	default:
		return 500
	}
}
