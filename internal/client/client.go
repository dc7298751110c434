// Package client drives a plugin process from the host side: it spawns the
// executable, exchanges JSON-RPC lines over its stdin/stdout and reaps it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/mot-plugin/internal/log"
	"github.com/mattjoyce/mot-plugin/internal/protocol"
	"github.com/mattjoyce/mot-plugin/internal/server"
)

const (
	// maxStderrBytes caps the amount of stderr captured from the plugin.
	maxStderrBytes = 64 * 1024

	// defaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	defaultGracePeriod = 5 * time.Second
)

// ErrClosed is returned once the plugin's stdout has ended.
var ErrClosed = errors.New("plugin closed its output")

// Options tunes Start.
type Options struct {
	Args []string
	Env  []string
	Dir  string
	// GracePeriod overrides the SIGTERM to SIGKILL delay.
	GracePeriod time.Duration
}

// Client owns one running plugin process.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *protocol.Encoder
	lines  chan []byte
	stderr *cappedBuffer
	grace  time.Duration
	logger *slog.Logger

	// readErr is set before lines is closed.
	readErr error
	// done is closed by Wait; readLoop then discards instead of queueing.
	done     chan struct{}
	readDone chan struct{}

	waitOnce sync.Once
	waitErr  chan error
}

// Start launches the executable at path.
func Start(path string, opts Options) (*Client, error) {
	// Termination is managed by Close, so no CommandContext.
	cmd := exec.Command(path, opts.Args...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	grace := opts.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	c := &Client{
		cmd:      cmd,
		stdin:    stdin,
		enc:      protocol.NewEncoder(stdin),
		lines:    make(chan []byte, 16),
		stderr:   stderr,
		grace:    grace,
		logger:   log.WithComponent("client").With("executable", path),
		waitErr:  make(chan error, 1),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	c.logger.Debug("spawning plugin", "args", opts.Args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	go c.readLoop(stdout)
	return c, nil
}

// readLoop forwards stdout lines until the stream ends. Once Wait has been
// called nobody receives any more, but stdout is still drained so the plugin
// never blocks on a full pipe.
func (c *Client) readLoop(stdout io.Reader) {
	defer close(c.readDone)
	reader := server.NewLineReader(stdout)
	dropped := 0
	for {
		line, err := reader.Next()
		if err != nil {
			c.readErr = ErrClosed
			if !errors.Is(err, io.EOF) {
				c.readErr = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			if dropped > 0 {
				c.logger.Debug("discarded unread response lines", "count", dropped)
			}
			close(c.lines)
			return
		}
		select {
		case c.lines <- append([]byte(nil), line...):
		case <-c.done:
			dropped++
		}
	}
}

// Call sends method with params under a fresh id and decodes the result into
// out (when non-nil). A JSON-RPC error response is returned as *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	return c.call(ctx, protocol.StringID(uuid.NewString()), method, params, out)
}

func (c *Client) call(ctx context.Context, id protocol.ID, method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	req := &protocol.Request{
		JSONRPC: protocol.Version,
		Method:  method,
		Params:  raw,
		ID:      id,
	}
	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	resp, err := c.receive(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if !resp.ID.Equal(req.ID) {
		return fmt.Errorf("%s: response id %s does not echo request id %s", method, resp.ID, req.ID)
	}
	if resp.IsError() {
		return resp.Error
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// SendRaw writes line verbatim, newline added, and returns the next response.
func (c *Client) SendRaw(ctx context.Context, line []byte) (*protocol.Response, error) {
	buf := append(append([]byte(nil), bytes.TrimRight(line, "\r\n")...), '\n')
	if _, err := c.stdin.Write(buf); err != nil {
		return nil, fmt.Errorf("send raw line: %w", err)
	}
	return c.receive(ctx)
}

func (c *Client) receive(ctx context.Context) (*protocol.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			return nil, c.readErr
		}
		c.logger.Debug("response line", "bytes", len(line))
		return protocol.DecodeResponse(line)
	}
}

// Close closes the plugin's stdin and waits for it to exit. When ctx ends
// first the process gets SIGTERM, then SIGKILL after the grace period. It
// returns the exit code, -1 when the process was killed by a signal.
func (c *Client) Close(ctx context.Context) (int, error) {
	if err := c.stdin.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.logger.Debug("close stdin", "error", err)
	}
	return c.Wait(ctx)
}

// Wait waits for the process to exit without closing stdin. Call it once.
func (c *Client) Wait(ctx context.Context) (int, error) {
	c.waitOnce.Do(func() {
		close(c.done)
		go func() { c.waitErr <- c.cmd.Wait() }()
	})

	select {
	case err := <-c.waitErr:
		return exitCode(err)
	case <-ctx.Done():
	}

	c.logger.Warn("plugin did not exit in time, sending SIGTERM")
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		c.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(c.grace)
	defer grace.Stop()

	select {
	case <-c.waitErr:
		c.logger.Info("plugin exited after SIGTERM")
	case <-grace.C:
		c.logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
		if err := c.cmd.Process.Kill(); err != nil {
			c.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-c.waitErr
	}
	return -1, ctx.Err()
}

// Stderr returns what the plugin wrote to stderr, capped at 64 KiB.
func (c *Client) Stderr() string {
	return c.stderr.String()
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait for process: %w", err)
}

// cappedBuffer keeps the first limit bytes written to it and drops the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
