package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

var emptyParams = json.RawMessage(`{}`)

// DecodeRequest parses a single request line.
// Any failure is a parse error (code -32700) from which no id can be recovered;
// callers extract it with errors.As.
func DecodeRequest(line []byte) (*Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, parseFailure(err)
	}
	if fields == nil {
		return nil, parseFailure(fmt.Errorf("request is null"))
	}

	methodRaw, ok := fields["method"]
	if !ok || isNull(methodRaw) {
		return nil, parseFailure(fmt.Errorf("request missing required field: method"))
	}

	var req Request
	if err := json.Unmarshal(methodRaw, &req.Method); err != nil {
		return nil, parseFailure(fmt.Errorf("method must be a string"))
	}

	// jsonrpc is informational on requests; a missing or odd value is tolerated.
	if v, ok := fields["jsonrpc"]; ok {
		_ = json.Unmarshal(v, &req.JSONRPC)
	}

	if v, ok := fields["id"]; ok {
		if err := req.ID.UnmarshalJSON(v); err != nil {
			return nil, parseFailure(err)
		}
	}

	req.Params = emptyParams
	if v, ok := fields["params"]; ok && !isNull(v) {
		req.Params = append(json.RawMessage(nil), bytes.TrimSpace(v)...)
	}

	return &req, nil
}

// DecodeResponse parses a single response line and checks the envelope.
func DecodeResponse(line []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.JSONRPC != Version {
		return nil, fmt.Errorf("invalid jsonrpc version: %q (must be %q)", resp.JSONRPC, Version)
	}
	return &resp, nil
}

// Encoder writes one JSON value per line and flushes after every message.
// The host reads synchronously, so nothing may linger in a buffer.
type Encoder struct {
	bw  *bufio.Writer
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &Encoder{bw: bw, enc: enc}
}

// Encode writes v as a single newline-terminated line and flushes.
func (e *Encoder) Encode(v any) error {
	if err := e.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := e.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}

func parseFailure(cause error) error {
	return fmt.Errorf("%w: %v", ErrParse(), cause)
}
