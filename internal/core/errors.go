// Package core implements functionality shared across all valet components:
// the error taxonomy, the global logger, and the audit log.
package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a valet failure. Kinds are stable wire symbols: they appear
// in HTTP error bodies, JSON-RPC error data, stream error events, and audit
// records.
type Kind string

const (
	KindUnauthorized     Kind = "Unauthorized"
	KindOriginDenied     Kind = "OriginDenied"
	KindRequestTooLarge  Kind = "RequestTooLarge"
	KindResponseTooLarge Kind = "ResponseTooLarge"
	KindRateLimited      Kind = "RateLimited"
	KindToolNotFound     Kind = "ToolNotFound"
	KindInvalidParams    Kind = "InvalidParams"
	KindPathOutsideRoot  Kind = "PathOutsideRoot"
	KindNotFound         Kind = "NotFound"
	KindExecDenied       Kind = "ExecDenied"
	KindExecTimeout      Kind = "ExecTimeout"
	KindIo               Kind = "Io"
	KindParse            Kind = "Parse"
)

// Error is a classified valet error. Messages must never contain secret
// material: tokens, file contents, or environment values.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a classified error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain, defaulting to Io for
// unclassified errors.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindIo
}

// HTTPStatus maps a Kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindOriginDenied, KindPathOutsideRoot, KindExecDenied:
		return http.StatusForbidden
	case KindRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindToolNotFound, KindNotFound:
		return http.StatusNotFound
	case KindInvalidParams, KindParse:
		return http.StatusBadRequest
	case KindExecTimeout:
		return http.StatusGatewayTimeout
	default: // ResponseTooLarge, Io
		return http.StatusInternalServerError
	}
}

// JSON-RPC 2.0 error codes.
const (
	RPCParseError     = -32700
	RPCInvalidRequest = -32600
	RPCMethodNotFound = -32601
	RPCInvalidParams  = -32602
	RPCServerError    = -32000
)

// RPCCode maps a Kind to the JSON-RPC error code used in error envelopes.
func RPCCode(kind Kind) int {
	switch kind {
	case KindParse:
		return RPCParseError
	case KindInvalidParams:
		return RPCInvalidParams
	case KindToolNotFound:
		return RPCMethodNotFound
	default:
		return RPCServerError
	}
}
