package config

const (
	// DefaultNumEntries is the demo batch size when config.toml is silent.
	DefaultNumEntries = 3
	// MaxNumEntries bounds synthesized batches.
	MaxNumEntries = 1000
	// DefaultSource is the display name attached to every entry.
	DefaultSource = "Go Example Plugin"
)

// Config is the plugin's config.toml (or config.yaml).
// The host reads the same file for `enabled`; the plugin parses it but does
// not act on it.
type Config struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled"`
	NumEntries int    `toml:"num_entries" yaml:"num_entries"`
	Source     string `toml:"source" yaml:"source"`
	// SourceURL is an optional link template; "{id}" is replaced by the entry id.
	SourceURL string `toml:"source_url" yaml:"source_url"`
	// Database is an optional SQLite path. When set, entries are read from it
	// instead of being synthesized. Relative paths resolve against the config file.
	Database string `toml:"database" yaml:"database"`

	// Path is the absolute path the config was loaded from; empty for defaults.
	Path string `toml:"-" yaml:"-"`
	// Fingerprint is the BLAKE3 hash of the file contents; empty for defaults.
	Fingerprint string `toml:"-" yaml:"-"`
}

// Defaults returns the configuration used before initialize, or when the
// config file does not exist.
func Defaults() *Config {
	return &Config{
		Enabled:    true,
		NumEntries: DefaultNumEntries,
		Source:     DefaultSource,
	}
}
