package storybridge

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestParseManifest(t *testing.T) {
	t.Run("defaults fill missing fields", func(t *testing.T) {
		m, err := ParseManifest([]byte("version: 3\n"))
		if err != nil {
			t.Fatal(err)
		}
		if m.Version != 3 || m.CachePrefix != "storybridge" || !slices.Equal(m.Assets, DefaultManifest().Assets) {
			t.Fatalf("manifest = %+v", m)
		}
	})

	t.Run("explicit assets", func(t *testing.T) {
		m, err := ParseManifest([]byte(`
version: 2
cache_prefix: sb-shell
assets:
  - /
  - /static/js/main.abc123.js
`))
		if err != nil {
			t.Fatal(err)
		}
		if m.CachePrefix != "sb-shell" || len(m.Assets) != 2 {
			t.Fatalf("manifest = %+v", m)
		}
		if got := NewCacheManager(nil, m.CachePrefix, m.Version).APIName(); got != "sb-shell-api-v2" {
			t.Fatalf("APIName = %q", got)
		}
	})

	invalid := map[string]string{
		"negative version":  "version: -1\n",
		"prefix with colon": "cache_prefix: \"a:b\"\n",
		"relative asset":    "assets: [static/app.js]\n",
		"duplicate asset":   "assets: [/, /]\n",
		"not yaml":          "version: [\n",
	}
	for name, doc := range invalid {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(doc)); err == nil {
				t.Fatalf("expected error for %q", doc)
			}
		})
	}
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(path, []byte("version: 5\ncache_prefix: kids\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Version != 5 || m.CachePrefix != "kids" {
		t.Fatalf("manifest = %+v", m)
	}

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read manifest") {
		t.Fatalf("err = %v", err)
	}
}
