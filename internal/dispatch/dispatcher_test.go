package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mot-plugin/internal/lifecycle"
	"github.com/mattjoyce/mot-plugin/internal/log"
	"github.com/mattjoyce/mot-plugin/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func echoHandler(ctx context.Context, params json.RawMessage) (Outcome, error) {
	return Outcome{Result: string(params)}, nil
}

func readyOnly(h Handler) Route {
	return Route{Handler: h, Allowed: []lifecycle.State{lifecycle.Ready}}
}

func TestDispatcher_Register(t *testing.T) {
	d := New(false)

	require.NoError(t, d.Register("echo", Route{Handler: echoHandler}))
	require.NoError(t, d.Register("alpha", Route{Handler: echoHandler}))

	assert.Error(t, d.Register("echo", Route{Handler: echoHandler}), "duplicate method")
	assert.Error(t, d.Register("", Route{Handler: echoHandler}), "empty method")
	assert.Error(t, d.Register("nil", Route{}), "nil handler")

	assert.Equal(t, []string{"alpha", "echo"}, d.Methods())
}

func TestDispatcher_MethodNotFound(t *testing.T) {
	d := New(false)
	req := &protocol.Request{Method: "frobnicate", ID: protocol.NumberID(3)}

	_, err := d.Dispatch(context.Background(), lifecycle.Ready, req)

	var rpcErr *protocol.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, protocol.CodeMethodNotFound, rpcErr.Code)
	assert.Equal(t, "Method not found: frobnicate", rpcErr.Message)
}

func TestDispatcher_DefaultsParams(t *testing.T) {
	d := New(false)
	require.NoError(t, d.Register("echo", Route{Handler: echoHandler}))

	out, err := d.Dispatch(context.Background(), lifecycle.Ready, &protocol.Request{Method: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "{}", out.Result)
}

func TestDispatcher_LaxPolicyStillDispatches(t *testing.T) {
	d := New(false)
	require.NoError(t, d.Register("echo", readyOnly(echoHandler)))

	req := &protocol.Request{Method: "echo", Params: json.RawMessage(`{"a":1}`)}
	out, err := d.Dispatch(context.Background(), lifecycle.Uninitialized, req)

	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out.Result)
}

func TestDispatcher_StrictPolicyRejects(t *testing.T) {
	d := New(true)
	require.NoError(t, d.Register("echo", readyOnly(echoHandler)))

	req := &protocol.Request{Method: "echo", Params: json.RawMessage(`{}`)}

	_, err := d.Dispatch(context.Background(), lifecycle.Uninitialized, req)
	var rpcErr *protocol.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, protocol.CodeInvalidRequest, rpcErr.Code)
	assert.Equal(t, "Method echo not allowed in state uninitialized", rpcErr.Message)

	_, err = d.Dispatch(context.Background(), lifecycle.Ready, req)
	assert.NoError(t, err)
}

func TestDispatcher_HandlerErrorPassesThrough(t *testing.T) {
	boom := errors.New("boom")
	d := New(false)
	require.NoError(t, d.Register("fail", Route{Handler: func(context.Context, json.RawMessage) (Outcome, error) {
		return Outcome{}, boom
	}}))

	_, err := d.Dispatch(context.Background(), lifecycle.Ready, &protocol.Request{Method: "fail"})
	assert.ErrorIs(t, err, boom)
}

func TestDecodeParams(t *testing.T) {
	var p struct {
		ConfigPath string `json:"config_path"`
	}

	require.NoError(t, DecodeParams(json.RawMessage(`{"config_path":"/x","extra":true}`), &p))
	assert.Equal(t, "/x", p.ConfigPath)

	assert.Error(t, DecodeParams(json.RawMessage(`[1]`), &p))
	assert.Error(t, DecodeParams(json.RawMessage(`{"config_path":5}`), &p))
	assert.Error(t, DecodeParams(nil, &p))
}
