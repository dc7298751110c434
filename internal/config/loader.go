package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses the plugin configuration file at configPath.
// The format is chosen by extension: .yaml/.yml use YAML, anything else is
// read as TOML, the host's native format. Keys absent from the file keep
// their defaults. A missing file yields an error wrapping fs.ErrNotExist so
// callers can fall back to Defaults.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data, formatFor(absPath))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	cfg.Path = absPath
	cfg.Fingerprint = ComputeBlake3Hash(data)
	if cfg.Database != "" && !filepath.IsAbs(cfg.Database) {
		cfg.Database = filepath.Join(filepath.Dir(absPath), cfg.Database)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}
	return cfg, nil
}

// Format names a config file syntax.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Parse decodes data on top of Defaults and expands ${VAR} references.
// It does not validate.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Defaults()

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	cfg.Source = interpolateEnv(cfg.Source)
	cfg.SourceURL = interpolateEnv(cfg.SourceURL)
	cfg.Database = interpolateEnv(cfg.Database)
	return cfg, nil
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; Validate reports it.
		return match
	})
}

// Validate checks value ranges and unresolved ${VAR} references.
func (c *Config) Validate() error {
	if c.NumEntries < 0 || c.NumEntries > MaxNumEntries {
		return fmt.Errorf("num_entries must be between 0 and %d (got %d)", MaxNumEntries, c.NumEntries)
	}
	if strings.TrimSpace(c.Source) == "" {
		return fmt.Errorf("source must not be empty")
	}
	for field, v := range map[string]string{"source": c.Source, "source_url": c.SourceURL, "database": c.Database} {
		if m := envVarPattern.FindStringSubmatch(v); m != nil {
			return fmt.Errorf("%s references unset environment variable %s", field, m[1])
		}
	}
	return nil
}
