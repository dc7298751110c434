// Package timeplugin implements the handlers of the example time entry plugin:
// initialize loads config.toml, get_time_entries returns entries from the
// configured source, shutdown releases it.
package timeplugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/mattjoyce/mot-plugin/internal/config"
	"github.com/mattjoyce/mot-plugin/internal/dispatch"
	"github.com/mattjoyce/mot-plugin/internal/entries"
	"github.com/mattjoyce/mot-plugin/internal/lifecycle"
	"github.com/mattjoyce/mot-plugin/internal/log"
	"github.com/mattjoyce/mot-plugin/internal/protocol"
)

// SourceFactory builds the entry source for a configuration.
type SourceFactory func(ctx context.Context, cfg *config.Config, pluginName string) (entries.Source, error)

// Options configures a Plugin. Zero values select the defaults.
type Options struct {
	// PluginName is the manifest name, stamped on every entry when set.
	PluginName string
	OpenSource SourceFactory
	Now        func() time.Time
}

// Plugin holds the handler state. Like the serve loop it is used from a
// single goroutine.
type Plugin struct {
	name       string
	openSource SourceFactory
	now        func() time.Time
	logger     *slog.Logger

	cfg    *config.Config
	source entries.Source
}

// New creates a Plugin running on default configuration until initialize.
func New(opts Options) *Plugin {
	p := &Plugin{
		name:       opts.PluginName,
		openSource: opts.OpenSource,
		now:        opts.Now,
		cfg:        config.Defaults(),
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.openSource == nil {
		p.openSource = p.defaultSource
	}
	if p.name != "" {
		p.logger = log.WithPlugin(p.name).With("component", "timeplugin")
	} else {
		p.logger = log.WithComponent("timeplugin")
	}
	return p
}

// Register installs the three protocol methods on d.
func (p *Plugin) Register(d *dispatch.Dispatcher) error {
	routes := []struct {
		method string
		route  dispatch.Route
	}{
		{protocol.MethodInitialize, dispatch.Route{
			Handler: p.Initialize,
			Allowed: []lifecycle.State{lifecycle.Uninitialized, lifecycle.Ready},
		}},
		{protocol.MethodGetTimeEntries, dispatch.Route{
			Handler: p.GetTimeEntries,
			Allowed: []lifecycle.State{lifecycle.Ready},
		}},
		{protocol.MethodShutdown, dispatch.Route{
			Handler: p.Shutdown,
		}},
	}
	for _, r := range routes {
		if err := d.Register(r.method, r.route); err != nil {
			return err
		}
	}
	return nil
}

// Config returns the active configuration.
func (p *Plugin) Config() *config.Config {
	return p.cfg
}

// Initialize loads the config file named by config_path. An empty path or a
// missing file leaves the defaults in place. Re-initializing with an
// unchanged file keeps the open source.
func (p *Plugin) Initialize(ctx context.Context, params json.RawMessage) (dispatch.Outcome, error) {
	var in protocol.InitializeParams
	if err := dispatch.DecodeParams(params, &in); err != nil {
		return dispatch.Outcome{}, err
	}

	cfg, err := p.loadConfig(in.ConfigPath)
	if err != nil {
		return dispatch.Outcome{}, err
	}

	if p.source != nil && cfg.Path == p.cfg.Path && cfg.Fingerprint == p.cfg.Fingerprint {
		p.logger.Info("config unchanged, keeping entry source", "config_path", cfg.Path)
		return dispatch.Outcome{Result: true, Event: lifecycle.Initialized}, nil
	}

	source, err := p.openSource(ctx, cfg, p.name)
	if err != nil {
		return dispatch.Outcome{}, fmt.Errorf("open entry source: %w", err)
	}
	p.closeSource()
	p.cfg = cfg
	p.source = source

	p.logger.Info("initialized",
		"config_path", cfg.Path,
		"config_hash", cfg.Fingerprint,
		"num_entries", cfg.NumEntries,
		"database", cfg.Database,
	)
	return dispatch.Outcome{Result: true, Event: lifecycle.Initialized}, nil
}

func (p *Plugin) loadConfig(path string) (*config.Config, error) {
	if path == "" {
		p.logger.Debug("no config_path given, using defaults")
		return config.Defaults(), nil
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("config file not found, using defaults", "config_path", path)
		return config.Defaults(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetTimeEntries returns the entries for [start_date, end_date].
func (p *Plugin) GetTimeEntries(ctx context.Context, params json.RawMessage) (dispatch.Outcome, error) {
	var in protocol.GetTimeEntriesParams
	if err := dispatch.DecodeParams(params, &in); err != nil {
		return dispatch.Outcome{}, err
	}

	r, err := entries.ParseRange(in.StartDate, in.EndDate)
	if err != nil {
		return dispatch.Outcome{}, err
	}

	if changed, err := p.cfg.Changed(); err == nil && changed {
		p.logger.Warn("config file changed since initialize; send initialize again to apply it",
			"config_path", p.cfg.Path)
	}

	if p.source == nil {
		source, err := p.openSource(ctx, p.cfg, p.name)
		if err != nil {
			return dispatch.Outcome{}, fmt.Errorf("open entry source: %w", err)
		}
		p.source = source
	}

	batch, err := p.source.Entries(ctx, r)
	if err != nil {
		return dispatch.Outcome{}, fmt.Errorf("fetch time entries: %w", err)
	}
	if batch == nil {
		batch = []entries.TimeEntry{}
	}
	if err := entries.ValidateBatch(batch); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("entry source returned invalid data: %w", err)
	}

	p.logger.Debug("fetched time entries", "range", r.String(), "count", len(batch))
	return dispatch.Outcome{Result: batch}, nil
}

// Shutdown releases the entry source. The serve loop exits after answering.
func (p *Plugin) Shutdown(ctx context.Context, _ json.RawMessage) (dispatch.Outcome, error) {
	p.logger.Info("shutting down")
	p.closeSource()
	return dispatch.Outcome{Result: true, Event: lifecycle.ShutdownRequested}, nil
}

func (p *Plugin) closeSource() {
	if p.source == nil {
		return
	}
	if err := p.source.Close(); err != nil {
		p.logger.Warn("failed to close entry source", "error", err)
	}
	p.source = nil
}

func (p *Plugin) defaultSource(ctx context.Context, cfg *config.Config, pluginName string) (entries.Source, error) {
	if cfg.Database != "" {
		return entries.OpenSQLiteSource(ctx, cfg.Database, entries.SQLiteOptions{
			Source:     cfg.Source,
			PluginName: pluginName,
			SourceURL:  cfg.SourceURL,
		})
	}
	return &entries.Generator{
		Count:      cfg.NumEntries,
		Source:     cfg.Source,
		PluginName: pluginName,
		SourceURL:  cfg.SourceURL,
		Now:        p.now,
	}, nil
}
