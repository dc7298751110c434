package protocol

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes understood by every mot host.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// Error is the JSON-RPC error object. It doubles as a Go error so handlers can
// return a coded failure that the serve loop passes through unchanged.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ErrParse is returned for lines that are not a decodable request.
func ErrParse() *Error {
	return &Error{Code: CodeParseError, Message: "Parse error"}
}

// ErrMethodNotFound reports an unrecognized method name.
func ErrMethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "Method not found: " + method}
}

// ErrInvalidRequest reports a request that is well formed but not acceptable now.
func ErrInvalidRequest(msg string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: msg}
}

// ErrInternal wraps a handler failure.
func ErrInternal(err error) *Error {
	return &Error{Code: CodeInternalError, Message: "Internal error: " + err.Error()}
}
