// Package server runs the plugin's request loop: read a line, decode it,
// dispatch it, write exactly one response line, repeat.
//
// The loop is the single error boundary of the plugin. Malformed lines,
// unknown methods, handler errors and handler panics all become JSON-RPC
// error responses; none of them end the process. The loop returns only after
// a shutdown request has been answered, when stdin reaches end-of-stream, or
// when stdout can no longer be written.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mattjoyce/mot-plugin/internal/dispatch"
	"github.com/mattjoyce/mot-plugin/internal/lifecycle"
	"github.com/mattjoyce/mot-plugin/internal/log"
	"github.com/mattjoyce/mot-plugin/internal/protocol"
)

// ExitReason says why Serve returned.
type ExitReason int

const (
	ExitShutdown ExitReason = iota
	ExitEndOfInput
)

func (r ExitReason) String() string {
	switch r {
	case ExitShutdown:
		return "shutdown"
	case ExitEndOfInput:
		return "end_of_input"
	default:
		return fmt.Sprintf("exit(%d)", int(r))
	}
}

// Server ties the dispatcher to a lifecycle controller.
type Server struct {
	dispatcher *dispatch.Dispatcher
	lifecycle  *lifecycle.Controller
	logger     *slog.Logger
}

// New creates a Server.
func New(d *dispatch.Dispatcher, lc *lifecycle.Controller) *Server {
	return &Server{
		dispatcher: d,
		lifecycle:  lc,
		logger:     log.WithComponent("server"),
	}
}

// Serve processes requests from in until shutdown or end-of-stream.
// The returned error is non-nil only when in or out failed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) (ExitReason, error) {
	reader := NewLineReader(in)
	enc := protocol.NewEncoder(out)

	s.logger.Info("serve loop started", "state", s.lifecycle.State().String())

	for s.lifecycle.Accepting() {
		line, err := reader.Next()
		if errors.Is(err, io.EOF) {
			s.logger.Info("input closed, stopping", "state", s.lifecycle.State().String())
			return ExitEndOfInput, nil
		}
		if err != nil {
			return ExitEndOfInput, fmt.Errorf("read request: %w", err)
		}

		resp := s.handleLine(ctx, line)
		if err := enc.Encode(resp); err != nil {
			return ExitEndOfInput, fmt.Errorf("write response: %w", err)
		}
	}

	// Only shutdown stops accepting; the response above is already flushed.
	if err := s.lifecycle.Apply(lifecycle.Exited); err != nil {
		s.logger.Error("lifecycle", "error", err)
	}
	s.logger.Info("serve loop stopped", "reason", ExitShutdown.String())
	return ExitShutdown, nil
}

// handleLine turns one input line into one response. It never fails.
func (s *Server) handleLine(ctx context.Context, line []byte) *protocol.Response {
	req, err := protocol.DecodeRequest(line)
	if err != nil {
		s.logger.Warn("malformed request line", "error", err, "bytes", len(line))
		var rpcErr *protocol.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = protocol.ErrParse()
		}
		return protocol.NewError(protocol.ID{}, rpcErr)
	}

	reqLogger := s.logger.With("method", req.Method, "id", req.ID.String())
	reqLogger.Debug("request received", "state", s.lifecycle.State().String())

	outcome, err := s.invoke(ctx, req)
	if err != nil {
		return s.errorResponse(reqLogger, req.ID, err)
	}

	resp, err := protocol.NewResult(req.ID, outcome.Result)
	if err != nil {
		return s.errorResponse(reqLogger, req.ID, err)
	}

	if err := s.lifecycle.Apply(outcome.Event); err != nil {
		return s.errorResponse(reqLogger, req.ID, err)
	}
	if outcome.Event != lifecycle.None {
		reqLogger.Info("lifecycle transition", "event", outcome.Event.String(), "state", s.lifecycle.State().String())
	}

	reqLogger.Debug("request completed")
	return resp
}

// invoke dispatches req and converts a handler panic into an error.
func (s *Server) invoke(ctx context.Context, req *protocol.Request) (out dispatch.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", req.Method, r)
		}
	}()
	return s.dispatcher.Dispatch(ctx, s.lifecycle.State(), req)
}

func (s *Server) errorResponse(logger *slog.Logger, id protocol.ID, err error) *protocol.Response {
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) {
		rpcErr = protocol.ErrInternal(err)
	}
	logger.Warn("request failed", "code", rpcErr.Code, "error", err)
	return protocol.NewError(id, rpcErr)
}
