package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Version is the only JSON-RPC version spoken on the wire.
const Version = "2.0"

// Methods every mot plugin answers.
const (
	MethodInitialize     = "initialize"
	MethodGetTimeEntries = "get_time_entries"
	MethodShutdown       = "shutdown"
)

// InitializeParams are the params of initialize.
type InitializeParams struct {
	ConfigPath string `json:"config_path"`
}

// GetTimeEntriesParams are the params of get_time_entries. The date format is
// left to the plugin.
type GetTimeEntriesParams struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// ID is a request id kept as raw JSON so it can be echoed byte for byte.
// The zero value is the null id.
type ID struct {
	raw json.RawMessage
}

// NumberID builds a numeric id.
func NumberID(n int64) ID {
	return ID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// StringID builds a string id.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

// IsNull reports whether the id is absent or null.
func (id ID) IsNull() bool {
	return len(id.raw) == 0
}

// Equal compares the raw encodings of two ids.
func (id ID) Equal(other ID) bool {
	return bytes.Equal(id.raw, other.raw)
}

// String returns the raw JSON form, "null" for the zero id.
func (id ID) String() string {
	if id.IsNull() {
		return "null"
	}
	return string(id.raw)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsNull() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		id.raw = nil
		return nil
	}
	if !json.Valid(b) {
		return fmt.Errorf("invalid id: %q", b)
	}
	// encoding/json accepts invalid UTF-8 inside strings; echoing it would
	// put bytes on the wire that are not UTF-8 text.
	if !utf8.Valid(b) {
		return fmt.Errorf("id is not valid UTF-8")
	}
	id.raw = append(json.RawMessage(nil), b...)
	return nil
}

// Request is a decoded JSON-RPC request line.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      ID              `json:"id"`
}

// Response carries exactly one of Result or Error. Result holds the encoded
// result value; a nil Result on a success response encodes as null.
type Response struct {
	JSONRPC string
	Result  json.RawMessage
	Error   *Error
	ID      ID
}

// NewResult builds a success response for id.
func NewResult(id ID, v any) (*Response, error) {
	data, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, Result: data, ID: id}, nil
}

// NewError builds an error response for id.
func NewError(id ID, e *Error) *Response {
	return &Response{JSONRPC: Version, Error: e, ID: id}
}

// IsError reports whether the response carries an error object.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// MarshalJSON emits jsonrpc, then result or error, then id.
func (r Response) MarshalJSON() ([]byte, error) {
	version := r.JSONRPC
	if version == "" {
		version = Version
	}
	if r.Error != nil {
		return marshalNoEscape(struct {
			JSONRPC string `json:"jsonrpc"`
			Error   *Error `json:"error"`
			ID      ID     `json:"id"`
		}{version, r.Error, r.ID})
	}
	result := r.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return marshalNoEscape(struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		ID      ID              `json:"id"`
	}{version, result, r.ID})
}

func (r *Response) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("response is not an object")
	}

	var out Response
	if v, ok := fields["jsonrpc"]; ok {
		if err := json.Unmarshal(v, &out.JSONRPC); err != nil {
			return fmt.Errorf("invalid jsonrpc field: %w", err)
		}
	}
	if v, ok := fields["id"]; ok {
		if err := out.ID.UnmarshalJSON(v); err != nil {
			return err
		}
	}

	errRaw, hasError := fields["error"]
	if hasError && isNull(errRaw) {
		hasError = false
	}
	result, hasResult := fields["result"]

	switch {
	case hasError && hasResult:
		return fmt.Errorf("response carries both result and error")
	case !hasError && !hasResult:
		return fmt.Errorf("response carries neither result nor error")
	case hasError:
		out.Error = &Error{}
		if err := json.Unmarshal(errRaw, out.Error); err != nil {
			return fmt.Errorf("invalid error object: %w", err)
		}
	default:
		out.Result = append(json.RawMessage(nil), result...)
	}

	*r = out
	return nil
}

func isNull(b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
