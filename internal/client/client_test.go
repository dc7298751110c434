package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mot-plugin/internal/dispatch"
	"github.com/mattjoyce/mot-plugin/internal/lifecycle"
	"github.com/mattjoyce/mot-plugin/internal/log"
	"github.com/mattjoyce/mot-plugin/internal/plugin"
	"github.com/mattjoyce/mot-plugin/internal/protocol"
	"github.com/mattjoyce/mot-plugin/internal/server"
	"github.com/mattjoyce/mot-plugin/internal/timeplugin"
)

// helperEnv turns the test binary into a fake plugin process.
const helperEnv = "MOT_CLIENT_TEST_HELPER"

var testBinary string

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	log.Setup("ERROR") // Suppress logs in tests

	var err error
	if testBinary, err = os.Executable(); err != nil {
		fmt.Fprintln(os.Stderr, "resolve test binary:", err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	log.Setup("ERROR")
	switch mode {
	case "serve":
		p := timeplugin.New(timeplugin.Options{PluginName: "go-example"})
		d := dispatch.New(false)
		if err := p.Register(d); err != nil {
			return 1
		}
		if _, err := server.New(d, lifecycle.New()).Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
			return 1
		}
		return 0
	case "wrong-id":
		reader := server.NewLineReader(os.Stdin)
		enc := protocol.NewEncoder(os.Stdout)
		for {
			if _, err := reader.Next(); err != nil {
				return 0
			}
			resp, _ := protocol.NewResult(protocol.StringID("someone-else"), true)
			_ = enc.Encode(resp)
		}
	case "hang":
		signal.Ignore(syscall.SIGTERM)
		fmt.Fprintln(os.Stderr, "ignoring SIGTERM")
		time.Sleep(time.Hour)
		return 0
	case "flood":
		reader := server.NewLineReader(os.Stdin)
		enc := protocol.NewEncoder(os.Stdout)
		if _, err := reader.Next(); err != nil {
			return 1
		}
		for i := 0; i < 64; i++ {
			resp, _ := protocol.NewResult(protocol.NumberID(int64(i)), true)
			_ = enc.Encode(resp)
		}
		for {
			if _, err := reader.Next(); err != nil {
				return 0
			}
		}
	case "exit3":
		reader := server.NewLineReader(os.Stdin)
		for {
			if _, err := reader.Next(); err != nil {
				return 3
			}
		}
	}
	return 2
}

func startHelper(t *testing.T, mode string, opts Options) *Client {
	t.Helper()
	opts.Env = append(os.Environ(), helperEnv+"="+mode)
	c, err := Start(testBinary, opts)
	require.NoError(t, err)
	return c
}

func writeManifest(t *testing.T, dir, config string) *plugin.Manifest {
	t.Helper()
	manifest := "[plugin]\nname = \"go-example\"\nversion = \"0.1.0\"\n\n[executable]\ndefault = \"go-plugin\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.toml"), []byte(manifest), 0o644))
	if config != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(config), 0o644))
	}
	m, err := plugin.LoadManifest(dir)
	require.NoError(t, err)
	return m
}

func TestProbe_ConformingPlugin(t *testing.T) {
	m := writeManifest(t, t.TempDir(), "enabled = true\nnum_entries = 2\n")

	report, err := Probe(context.Background(), m, ProbeOptions{
		Executable: testBinary,
		Env:        append(os.Environ(), helperEnv+"=serve"),
		Timeout:    20 * time.Second,
	})
	require.NoError(t, err)

	assert.True(t, report.OK(), report.Render(PlainTheme()))
	assert.Empty(t, report.Failed())
	assert.Len(t, report.Checks, 6)
	assert.Equal(t, 0, report.ExitCode)
	require.Len(t, report.Entries, 2)
	assert.Equal(t, "Go Example Plugin", report.Entries[0].Source)
	require.NotNil(t, report.Entries[0].PluginName)
	assert.Equal(t, "go-example", *report.Entries[0].PluginName)
	out := report.Render(PlainTheme())
	assert.Contains(t, out, "plugin go-example 0.1.0 ("+testBinary+")")
	assert.Contains(t, out, "  ok    shutdown returns true\n")
	assert.NotContains(t, out, "checks failed")
}

func TestProbe_ReportsViolations(t *testing.T) {
	m := writeManifest(t, t.TempDir(), "")

	report, err := Probe(context.Background(), m, ProbeOptions{
		Executable: testBinary,
		Env:        append(os.Environ(), helperEnv+"=wrong-id"),
		Timeout:    2 * time.Second,
	})
	require.NoError(t, err)
	assert.False(t, report.OK())

	failed := report.Failed()
	require.NotEmpty(t, failed)
	assert.Equal(t, "initialize returns true", failed[0].Name)
	assert.ErrorContains(t, failed[0].Err, "does not echo")
	out := report.Render(PlainTheme())
	assert.Contains(t, out, "  FAIL  initialize returns true: ")
	assert.Contains(t, out, fmt.Sprintf("%d of 6 checks failed", len(failed)))

	// The helper never exits on its own, so the exit check ends in SIGTERM.
	last := report.Checks[len(report.Checks)-1]
	assert.Equal(t, "process exits 0 after shutdown", last.Name)
	assert.ErrorIs(t, last.Err, context.DeadlineExceeded)
}

func TestReport_Render(t *testing.T) {
	report := &Report{
		Plugin:     "go-example",
		Version:    "0.1.0",
		Executable: "/plugins/go-example/go-plugin",
		ExitCode:   0,
	}
	report.add("initialize returns true", nil)
	report.add("shutdown returns true", errors.New("timed out"))

	plain := report.Render(PlainTheme())
	assert.Equal(t, "plugin go-example 0.1.0 (/plugins/go-example/go-plugin)\n"+
		"  ok    initialize returns true\n"+
		"  FAIL  shutdown returns true: timed out\n"+
		"entries: 0, exit code: 0\n"+
		"1 of 2 checks failed\n", plain)

	// Colors depend on the terminal; the text does not.
	styled := report.Render(NewDefaultTheme())
	for _, want := range []string{"go-example 0.1.0", "ok", "initialize returns true", "FAIL", "shutdown returns true: timed out", "1 of 2 checks failed"} {
		assert.Contains(t, styled, want)
	}
}

func TestProbe_MissingExecutable(t *testing.T) {
	m := writeManifest(t, t.TempDir(), "")

	report, err := Probe(context.Background(), m, ProbeOptions{})
	require.Error(t, err)
	assert.Empty(t, report.Checks)
	assert.Equal(t, -1, report.ExitCode)
}

func TestClient_CallAndErrors(t *testing.T) {
	c := startHelper(t, "serve", Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var ok bool
	require.NoError(t, c.Call(ctx, protocol.MethodInitialize, protocol.InitializeParams{}, &ok))
	assert.True(t, ok)

	err := c.Call(ctx, "sync_projects", struct{}{}, nil)
	var rpcErr *protocol.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, protocol.CodeMethodNotFound, rpcErr.Code)
	assert.Equal(t, "Method not found: sync_projects", rpcErr.Message)

	resp, err := c.SendRaw(ctx, []byte("[1,2,3]\r\n"))
	require.NoError(t, err)
	require.True(t, resp.IsError())
	assert.Equal(t, protocol.CodeParseError, resp.Error.Code)

	require.NoError(t, c.Call(ctx, protocol.MethodShutdown, struct{}{}, &ok))

	err = c.Call(ctx, protocol.MethodGetTimeEntries, struct{}{}, nil)
	assert.Error(t, err, "plugin stops answering after shutdown")

	code, err := c.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestClient_ExitCode(t *testing.T) {
	c := startHelper(t, "exit3", Options{})

	code, err := c.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	_, err = c.receive(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestClient_UnreadLinesDoNotBlockReader(t *testing.T) {
	c := startHelper(t, "flood", Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := c.SendRaw(ctx, []byte(`{"method":"initialize","id":0}`))
	require.NoError(t, err)
	assert.Equal(t, "0", resp.ID.String())

	// Far more lines than the queue holds are left unread.
	code, err := c.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	select {
	case <-c.readDone:
	case <-time.After(5 * time.Second):
		t.Fatal("reader goroutine still blocked after Close")
	}
}

func TestClient_KillsHungPlugin(t *testing.T) {
	c := startHelper(t, "hang", Options{GracePeriod: 100 * time.Millisecond})

	// Give the helper time to install its signal handler.
	require.Eventually(t, func() bool {
		return strings.Contains(c.Stderr(), "ignoring SIGTERM")
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	code, err := c.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 8}

	n, err := b.Write([]byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = b.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, 5, n, "writes always report full length")

	_, _ = b.Write([]byte("!"))
	assert.Equal(t, "hello wo", b.String())
}
