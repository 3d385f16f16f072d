package interceptor

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the precache manifest deployed with the app. Bumping Version
// produces new cache names, which purges the old generation on activation.
type Manifest struct {
	CachePrefix string   `yaml:"cache_prefix"`
	Version     string   `yaml:"version"`
	OfflinePage string   `yaml:"offline_page"`
	Assets      []string `yaml:"assets"`
}

func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read precache manifest: %w", err)
	}
	return ParseManifest(b)
}

func ParseManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse precache manifest: %w", err)
	}
	if m.CachePrefix == "" {
		m.CachePrefix = "fitness-app"
	}
	if m.OfflinePage == "" {
		m.OfflinePage = "/offline"
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return errors.New("precache manifest: version is required")
	}
	if strings.ContainsAny(m.Version, " /") {
		return fmt.Errorf("precache manifest: invalid version %q", m.Version)
	}
	if len(m.Assets) == 0 {
		return errors.New("precache manifest: no assets")
	}
	return nil
}

func (m *Manifest) StaticCacheName() string {
	return m.CachePrefix + "-static-" + m.Version
}

func (m *Manifest) OfflineCacheName() string {
	return m.CachePrefix + "-offline-" + m.Version
}
