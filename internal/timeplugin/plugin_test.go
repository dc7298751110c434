package timeplugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mot-plugin/internal/config"
	"github.com/mattjoyce/mot-plugin/internal/dispatch"
	"github.com/mattjoyce/mot-plugin/internal/entries"
	"github.com/mattjoyce/mot-plugin/internal/entries/mocks"
	"github.com/mattjoyce/mot-plugin/internal/lifecycle"
	"github.com/mattjoyce/mot-plugin/internal/log"
	"github.com/mattjoyce/mot-plugin/internal/protocol"
	"github.com/mattjoyce/mot-plugin/internal/server"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

var fixedNow = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func params(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestPlugin_InitializeDefaults(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "empty config_path", path: ""},
		{name: "missing config file", path: filepath.Join(t.TempDir(), "config.toml")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(Options{Now: fixedClock})
			out, err := p.Initialize(context.Background(), params(t, protocol.InitializeParams{ConfigPath: tt.path}))
			require.NoError(t, err)
			assert.Equal(t, true, out.Result)
			assert.Equal(t, lifecycle.Initialized, out.Event)
			assert.Equal(t, config.DefaultNumEntries, p.Config().NumEntries)
		})
	}
}

func TestPlugin_InitializeInvalidConfig(t *testing.T) {
	p := New(Options{Now: fixedClock})
	path := writeConfig(t, "num_entries = 99999\n")

	_, err := p.Initialize(context.Background(), params(t, protocol.InitializeParams{ConfigPath: path}))
	require.Error(t, err)
	assert.Equal(t, config.DefaultNumEntries, p.Config().NumEntries, "failed initialize keeps previous config")

	_, err = p.Initialize(context.Background(), json.RawMessage(`{"config_path":7}`))
	assert.Error(t, err)
}

func TestPlugin_GetTimeEntriesBeforeInitialize(t *testing.T) {
	p := New(Options{Now: fixedClock, PluginName: "go-example"})

	out, err := p.GetTimeEntries(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)

	batch, ok := out.Result.([]entries.TimeEntry)
	require.True(t, ok)
	require.Len(t, batch, config.DefaultNumEntries)
	assert.Equal(t, lifecycle.None, out.Event)
	require.NotNil(t, batch[0].PluginName)
	assert.Equal(t, "go-example", *batch[0].PluginName)
	assert.Equal(t, fixedNow, batch[0].StartedAt)
}

func TestPlugin_GetTimeEntriesUsesConfiguredCount(t *testing.T) {
	p := New(Options{Now: fixedClock})
	path := writeConfig(t, "num_entries = 5\nsource = \"Acme Tracker\"\n")

	_, err := p.Initialize(context.Background(), params(t, protocol.InitializeParams{ConfigPath: path}))
	require.NoError(t, err)

	out, err := p.GetTimeEntries(context.Background(), params(t, protocol.GetTimeEntriesParams{StartDate: "2024-01-01", EndDate: "2024-01-02"}))
	require.NoError(t, err)
	batch := out.Result.([]entries.TimeEntry)
	require.Len(t, batch, 5)
	assert.Equal(t, "Acme Tracker", batch[4].Source)
}

func TestPlugin_GetTimeEntriesInvalidParams(t *testing.T) {
	p := New(Options{Now: fixedClock})

	for _, raw := range []string{`{"start_date":"last week"}`, `{"start_date":"2024-02-01","end_date":"2024-01-01"}`, `[]`} {
		_, err := p.GetTimeEntries(context.Background(), json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}

func TestPlugin_MockSource(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mocks.NewMockSource(ctrl)

	var opened int
	p := New(Options{
		Now: fixedClock,
		OpenSource: func(ctx context.Context, cfg *config.Config, name string) (entries.Source, error) {
			opened++
			return source, nil
		},
	})

	ctx := context.Background()
	want, err := entries.ParseRange("2024-01-01", "2024-01-02")
	require.NoError(t, err)

	good := []entries.TimeEntry{{ID: "a", StartedAt: fixedNow, EndedAt: fixedNow.Add(time.Minute)}}
	inverted := []entries.TimeEntry{{ID: "b", StartedAt: fixedNow, EndedAt: fixedNow.Add(-time.Minute)}}

	gomock.InOrder(
		source.EXPECT().Entries(gomock.Any(), want).Return(good, nil),
		source.EXPECT().Entries(gomock.Any(), want).Return(nil, errors.New("disk I/O error")),
		source.EXPECT().Entries(gomock.Any(), want).Return(inverted, nil),
		source.EXPECT().Entries(gomock.Any(), want).Return(nil, nil),
		source.EXPECT().Close().Return(nil),
	)

	_, err = p.Initialize(ctx, params(t, protocol.InitializeParams{}))
	require.NoError(t, err)

	req := params(t, protocol.GetTimeEntriesParams{StartDate: "2024-01-01", EndDate: "2024-01-02"})

	out, err := p.GetTimeEntries(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, good, out.Result)

	_, err = p.GetTimeEntries(ctx, req)
	assert.ErrorContains(t, err, "disk I/O error")

	_, err = p.GetTimeEntries(ctx, req)
	assert.ErrorContains(t, err, "ended_at")

	out, err = p.GetTimeEntries(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []entries.TimeEntry{}, out.Result, "nil batch becomes an empty list")

	// Same (default) config: the source is kept.
	_, err = p.Initialize(ctx, params(t, protocol.InitializeParams{}))
	require.NoError(t, err)
	assert.Equal(t, 1, opened)

	out, err = p.Shutdown(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, true, out.Result)
	assert.Equal(t, lifecycle.ShutdownRequested, out.Event)
}

func TestPlugin_ReinitializeWithChangedConfigReplacesSource(t *testing.T) {
	ctrl := gomock.NewController(t)
	first := mocks.NewMockSource(ctrl)
	second := mocks.NewMockSource(ctrl)
	sources := []entries.Source{first, second}

	p := New(Options{
		OpenSource: func(ctx context.Context, cfg *config.Config, name string) (entries.Source, error) {
			s := sources[0]
			sources = sources[1:]
			return s, nil
		},
	})

	path := writeConfig(t, "num_entries = 1\n")
	ctx := context.Background()
	_, err := p.Initialize(ctx, params(t, protocol.InitializeParams{ConfigPath: path}))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("num_entries = 2\n"), 0o600))
	first.EXPECT().Close().Return(errors.New("already closed"))

	_, err = p.Initialize(ctx, params(t, protocol.InitializeParams{ConfigPath: path}))
	require.NoError(t, err, "close failure is logged, not returned")
	assert.Equal(t, 2, p.Config().NumEntries)

	second.EXPECT().Close().Return(nil)
	_, err = p.Shutdown(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
}

func TestPlugin_OpenSourceFailure(t *testing.T) {
	p := New(Options{
		OpenSource: func(context.Context, *config.Config, string) (entries.Source, error) {
			return nil, errors.New("unable to open database file")
		},
	})

	_, err := p.Initialize(context.Background(), json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "unable to open database file")

	_, err = p.GetTimeEntries(context.Background(), json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "unable to open database file")
}

func TestPlugin_SQLiteDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "entries.db")

	seed, err := entries.OpenSQLiteSource(context.Background(), dbPath, entries.SQLiteOptions{})
	require.NoError(t, err)
	_, err = seed.Insert(context.Background(), entries.TimeEntry{
		ID:          "db-1",
		Description: "imported",
		StartedAt:   time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
		EndedAt:     time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
		Billable:    true,
	})
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("database = \"entries.db\"\nsource = \"Timesheet DB\"\n"), 0o600))

	p := New(Options{PluginName: "go-example"})
	ctx := context.Background()
	_, err = p.Initialize(ctx, params(t, protocol.InitializeParams{ConfigPath: cfgPath}))
	require.NoError(t, err)

	out, err := p.GetTimeEntries(ctx, params(t, protocol.GetTimeEntriesParams{StartDate: "2024-01-01", EndDate: "2024-01-02"}))
	require.NoError(t, err)
	batch := out.Result.([]entries.TimeEntry)
	require.Len(t, batch, 1)
	assert.Equal(t, "db-1", batch[0].ID)
	assert.Equal(t, "Timesheet DB", batch[0].Source)

	out, err = p.GetTimeEntries(ctx, params(t, protocol.GetTimeEntriesParams{StartDate: "2024-01-03"}))
	require.NoError(t, err)
	assert.Empty(t, out.Result)

	_, err = p.Shutdown(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
}

// runSession drives the plugin through the real serve loop.
func runSession(t *testing.T, p *Plugin, input string) ([]*protocol.Response, server.ExitReason, *lifecycle.Controller) {
	t.Helper()

	d := dispatch.New(false)
	require.NoError(t, p.Register(d))
	lc := lifecycle.New()

	var out bytes.Buffer
	reason, err := server.New(d, lc).Serve(context.Background(), strings.NewReader(input), &out)
	require.NoError(t, err)

	var resps []*protocol.Response
	for _, line := range strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n") {
		resp, err := protocol.DecodeResponse([]byte(line))
		require.NoError(t, err)
		resps = append(resps, resp)
	}
	return resps, reason, lc
}

func TestSession_HostConversation(t *testing.T) {
	cfg := writeConfig(t, "enabled = true\nnum_entries = 4\n")
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","method":"initialize","params":{"config_path":"` + filepath.ToSlash(cfg) + `"},"id":0}`,
		`{"jsonrpc":"2.0","method":"get_time_entries","params":{"start_date":"2024-01-01","end_date":"2024-01-02"},"id":1}`,
		`{"jsonrpc":"2.0","method":"get_time_entries","params":{"start_date":"2024-01-01","end_date":"2024-01-02"},"id":2}`,
		`{"jsonrpc":"2.0","method":"sync_projects","params":{},"id":3}`,
		`this is not json`,
		`{"jsonrpc":"2.0","method":"shutdown","params":{},"id":4}`,
		`{"jsonrpc":"2.0","method":"get_time_entries","params":{},"id":5}`,
	}, "\n") + "\n"

	resps, reason, lc := runSession(t, New(Options{Now: fixedClock}), input)
	assert.Equal(t, server.ExitShutdown, reason)
	assert.Equal(t, lifecycle.Terminated, lc.State())
	require.Len(t, resps, 6)

	assert.Equal(t, "0", resps[0].ID.String())
	assert.Equal(t, "true", string(resps[0].Result))

	for _, resp := range resps[1:3] {
		require.False(t, resp.IsError())
		var batch []entries.TimeEntry
		require.NoError(t, json.Unmarshal(resp.Result, &batch))
		require.Len(t, batch, 4)
		require.NoError(t, entries.ValidateBatch(batch))
		for _, e := range batch {
			assert.Equal(t, "Go Example Plugin", e.Source)
			assert.True(t, e.Billable)
			assert.False(t, e.EndedAt.Before(e.StartedAt))
		}
	}
	assert.Equal(t, "1", resps[1].ID.String())
	assert.Equal(t, "2", resps[2].ID.String())

	require.True(t, resps[3].IsError())
	assert.Equal(t, protocol.CodeMethodNotFound, resps[3].Error.Code)
	assert.Equal(t, "Method not found: sync_projects", resps[3].Error.Message)
	assert.Equal(t, "3", resps[3].ID.String())

	require.True(t, resps[4].IsError())
	assert.Equal(t, protocol.CodeParseError, resps[4].Error.Code)
	assert.True(t, resps[4].ID.IsNull())

	assert.Equal(t, "4", resps[5].ID.String())
	assert.Equal(t, "true", string(resps[5].Result))
}

func TestSession_StrictModeRequiresInitialize(t *testing.T) {
	p := New(Options{Now: fixedClock})
	d := dispatch.New(true)
	require.NoError(t, p.Register(d))

	input := `{"jsonrpc":"2.0","method":"get_time_entries","params":{},"id":1}
{"jsonrpc":"2.0","method":"initialize","params":{},"id":2}
{"jsonrpc":"2.0","method":"get_time_entries","params":{},"id":3}
`
	var out bytes.Buffer
	_, err := server.New(d, lifecycle.New()).Serve(context.Background(), strings.NewReader(input), &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)

	first, err := protocol.DecodeResponse([]byte(lines[0]))
	require.NoError(t, err)
	require.True(t, first.IsError())
	assert.Equal(t, protocol.CodeInvalidRequest, first.Error.Code)

	third, err := protocol.DecodeResponse([]byte(lines[2]))
	require.NoError(t, err)
	assert.False(t, third.IsError())
}
