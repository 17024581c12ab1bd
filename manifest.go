package storybridge

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest lists the shell assets precached on install. Bumping Version
// produces new cache generation names.
type Manifest struct {
	Version     int      `yaml:"version"`
	CachePrefix string   `yaml:"cache_prefix"`
	Assets      []string `yaml:"assets"`
}

// DefaultManifest is the app shell of the web client.
func DefaultManifest() *Manifest {
	return &Manifest{
		Version:     1,
		CachePrefix: "storybridge",
		Assets: []string{
			"/",
			"/static/js/bundle.js",
			"/static/css/main.css",
			"/manifest.json",
		},
	}
}

// LoadManifest reads a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates a YAML manifest. Missing fields take
// the defaults.
func ParseManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	def := DefaultManifest()
	if m.Version == 0 {
		m.Version = def.Version
	}
	if m.CachePrefix == "" {
		m.CachePrefix = def.CachePrefix
	}
	if m.Assets == nil {
		m.Assets = def.Assets
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) Validate() error {
	if m.Version < 1 {
		return fmt.Errorf("manifest: version must be positive, got %d", m.Version)
	}
	if strings.ContainsAny(m.CachePrefix, ": ") {
		return fmt.Errorf("manifest: cache_prefix %q must not contain ':' or spaces", m.CachePrefix)
	}
	seen := make(map[string]bool, len(m.Assets))
	for _, a := range m.Assets {
		if !strings.HasPrefix(a, "/") {
			return fmt.Errorf("manifest: asset %q must be an absolute path", a)
		}
		if seen[a] {
			return fmt.Errorf("manifest: duplicate asset %q", a)
		}
		seen[a] = true
	}
	return nil
}
