package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// manifestFilenames are tried in order when a plugin directory is given.
var manifestFilenames = []string{"manifest.toml", "manifest.yaml", "manifest.yml"}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Info is the [plugin] table.
type Info struct {
	Name        string `toml:"name" yaml:"name"`
	Version     string `toml:"version" yaml:"version"`
	Description string `toml:"description,omitempty" yaml:"description,omitempty"`
}

// Executable is the [executable] table: the program to launch, relative to
// the plugin directory, per platform.
type Executable struct {
	Default string `toml:"default" yaml:"default"`
	Windows string `toml:"windows,omitempty" yaml:"windows,omitempty"`
}

// Manifest defines the structure of a plugin's manifest.toml file.
type Manifest struct {
	Plugin     Info       `toml:"plugin" yaml:"plugin"`
	Executable Executable `toml:"executable" yaml:"executable"`

	// Dir is the directory the manifest was loaded from.
	Dir string `toml:"-" yaml:"-"`
}

// LoadManifest reads a manifest file, or the first manifest found in a
// plugin directory, and validates it.
func LoadManifest(path string) (*Manifest, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest path %q: %w", path, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("manifest not found: %w", err)
	}
	if info.IsDir() {
		if absPath, err = findManifest(absPath); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		err = toml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", absPath, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", absPath, err)
	}
	m.Dir = filepath.Dir(absPath)
	return &m, nil
}

func findManifest(dir string) (string, error) {
	for _, name := range manifestFilenames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("no manifest (%s) in %s", strings.Join(manifestFilenames, ", "), dir)
}

// Validate checks required manifest fields.
func (m *Manifest) Validate() error {
	if m.Plugin.Name == "" {
		return fmt.Errorf("plugin.name is required")
	}
	if !namePattern.MatchString(m.Plugin.Name) {
		return fmt.Errorf("plugin.name %q must be lowercase letters, digits, '-' or '_'", m.Plugin.Name)
	}
	if m.Plugin.Version == "" {
		return fmt.Errorf("plugin.version is required")
	}
	if m.Executable.Default == "" {
		return fmt.Errorf("executable.default is required")
	}
	for _, p := range []string{m.Executable.Default, m.Executable.Windows} {
		if p == "" {
			continue
		}
		if filepath.IsAbs(p) || strings.Contains(p, "..") {
			return fmt.Errorf("executable %q must be a path inside the plugin directory", p)
		}
	}
	return nil
}

// ExecutableFor returns the executable entry for goos.
func (m *Manifest) ExecutableFor(goos string) string {
	if goos == "windows" && m.Executable.Windows != "" {
		return m.Executable.Windows
	}
	return m.Executable.Default
}

// ResolveExecutable returns the absolute path of the executable for goos and
// checks that it exists and is a regular file.
func (m *Manifest) ResolveExecutable(goos string) (string, error) {
	path := filepath.Join(m.Dir, filepath.FromSlash(m.ExecutableFor(goos)))
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("plugin executable: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("plugin executable %s is not a regular file", path)
	}
	if goos != "windows" && info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("plugin executable %s is not executable", path)
	}
	return path, nil
}

// ConfigPath is where the host keeps this plugin's config file.
func (m *Manifest) ConfigPath() string {
	return filepath.Join(m.Dir, "config.toml")
}
