package client

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/mattjoyce/mot-plugin/internal/entries"
	"github.com/mattjoyce/mot-plugin/internal/plugin"
	"github.com/mattjoyce/mot-plugin/internal/protocol"
)

// ProbeOptions configures Probe. Zero values select the defaults.
type ProbeOptions struct {
	// Start and End bound the get_time_entries request. Defaults to the
	// seven days before Now.
	Start, End time.Time
	// Timeout bounds the whole session, including the exit wait.
	Timeout time.Duration
	Now     func() time.Time
	// Executable overrides the manifest's executable, with Args passed to it.
	Executable string
	Args       []string
	Env        []string
}

// Check is the outcome of one probe step.
type Check struct {
	Name string
	Err  error
}

// Passed reports whether the step succeeded.
func (c Check) Passed() bool { return c.Err == nil }

// Report summarizes a probe run.
type Report struct {
	Plugin     string
	Version    string
	Executable string
	Checks     []Check
	Entries    []entries.TimeEntry
	ExitCode   int
	Stderr     string
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	for _, c := range r.Checks {
		if !c.Passed() {
			return false
		}
	}
	return true
}

// Failed returns the failing checks.
func (r *Report) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed() {
			out = append(out, c)
		}
	}
	return out
}

func (r *Report) add(name string, err error) {
	r.Checks = append(r.Checks, Check{Name: name, Err: err})
}

// Render formats the report one check per line.
func (r *Report) Render(theme Theme) string {
	var b strings.Builder
	b.WriteString(theme.Title.Render(fmt.Sprintf("plugin %s %s", r.Plugin, r.Version)))
	fmt.Fprintf(&b, " %s\n", theme.Dim.Render("("+r.Executable+")"))
	for _, c := range r.Checks {
		if c.Passed() {
			fmt.Fprintf(&b, "  %s    %s\n", theme.StatusOK.Render("ok"), c.Name)
		} else {
			fmt.Fprintf(&b, "  %s  %s: %v\n", theme.StatusFailed.Render("FAIL"), c.Name, c.Err)
		}
	}
	fmt.Fprintf(&b, "entries: %d, exit code: %d\n", len(r.Entries), r.ExitCode)
	if failed := r.Failed(); len(failed) > 0 {
		b.WriteString(theme.StatusFailed.Render(fmt.Sprintf("%d of %d checks failed", len(failed), len(r.Checks))))
		b.WriteString("\n")
	}
	return b.String()
}

// Probe spawns the plugin described by m and runs a full session against it:
// initialize, get_time_entries, a malformed line, an unknown method and
// shutdown, followed by the exit code. A non-nil error means the session
// could not run at all; protocol violations are recorded in the report.
func Probe(ctx context.Context, m *plugin.Manifest, opts ProbeOptions) (*Report, error) {
	report := &Report{Plugin: m.Plugin.Name, Version: m.Plugin.Version, ExitCode: -1}

	path := opts.Executable
	if path == "" {
		var err error
		if path, err = m.ResolveExecutable(runtime.GOOS); err != nil {
			return report, err
		}
	}
	report.Executable = path

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	end := opts.End
	if end.IsZero() {
		end = now().UTC()
	}
	start := opts.Start
	if start.IsZero() {
		start = end.AddDate(0, 0, -7)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := Start(path, Options{Args: opts.Args, Env: opts.Env, Dir: m.Dir})
	if err != nil {
		return report, err
	}
	defer func() { report.Stderr = c.Stderr() }()
	defer c.stdin.Close()

	var ok bool
	err = c.Call(ctx, protocol.MethodInitialize, protocol.InitializeParams{ConfigPath: m.ConfigPath()}, &ok)
	if err == nil && !ok {
		err = fmt.Errorf("initialize returned false")
	}
	report.add("initialize returns true", err)

	var batch []entries.TimeEntry
	err = c.Call(ctx, protocol.MethodGetTimeEntries, protocol.GetTimeEntriesParams{
		StartDate: start.Format(time.RFC3339),
		EndDate:   end.Format(time.RFC3339),
	}, &batch)
	if err == nil {
		err = entries.ValidateBatch(batch)
	}
	report.Entries = batch
	report.add("get_time_entries returns valid entries", err)

	report.add("malformed line yields a parse error", expectParseError(c.SendRaw(ctx, []byte("{not json"))))
	report.add("unknown method yields method not found", expectMethodNotFound(ctx, c))

	err = c.Call(ctx, protocol.MethodShutdown, struct{}{}, &ok)
	if err == nil && !ok {
		err = fmt.Errorf("shutdown returned false")
	}
	report.add("shutdown returns true", err)

	code, err := c.Wait(ctx)
	report.ExitCode = code
	if err == nil && code != 0 {
		err = fmt.Errorf("exit code %d", code)
	}
	report.add("process exits 0 after shutdown", err)

	return report, nil
}

func expectParseError(resp *protocol.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return fmt.Errorf("got a result, want error %d", protocol.CodeParseError)
	}
	if resp.Error.Code != protocol.CodeParseError {
		return fmt.Errorf("got error code %d, want %d", resp.Error.Code, protocol.CodeParseError)
	}
	if !resp.ID.IsNull() {
		return fmt.Errorf("got id %s, want null", resp.ID)
	}
	return nil
}

const unknownMethod = "mot_probe_unknown"

// expectMethodNotFound also exercises a numeric id; every other call uses a
// string id.
func expectMethodNotFound(ctx context.Context, c *Client) error {
	err := c.call(ctx, protocol.NumberID(time.Now().UnixNano()), unknownMethod, struct{}{}, nil)
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) {
		if err == nil {
			return fmt.Errorf("got a result, want error %d", protocol.CodeMethodNotFound)
		}
		return err
	}
	want := protocol.ErrMethodNotFound(unknownMethod)
	if rpcErr.Code != want.Code || rpcErr.Message != want.Message {
		return fmt.Errorf("got %d %q, want %d %q", rpcErr.Code, rpcErr.Message, want.Code, want.Message)
	}
	return nil
}
