// Package config manages the application settings file. Settings are an
// open key-value map rather than a fixed struct: the UI owns the schema and
// new keys must not require a data migration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vibes-agent/vibes-core/logger"
	"github.com/vibes-agent/vibes-core/paths"
)

// Settings reads and writes the settings file. Safe for concurrent use.
type Settings struct {
	mu       sync.RWMutex
	filePath string
	values   map[string]any
}

// Load reads the settings from disk, or starts empty if the file doesn't
// exist. A corrupt file is treated as empty rather than blocking startup.
func Load() (*Settings, error) {
	path, err := paths.SettingsFilePath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve settings path: %w", err)
	}
	return LoadFrom(path)
}

// LoadFrom reads settings from an explicit path.
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{
		filePath: path,
		values:   make(map[string]any),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := json.Unmarshal(data, &s.values); err != nil {
		logger.Get().Warn("settings file is corrupt, starting empty", "path", path, "error", err)
		s.values = make(map[string]any)
	}
	return s, nil
}

// Get returns the value for a key, or nil when unset.
func (s *Settings) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// GetString returns a string value, or the fallback when unset or not a
// string.
func (s *Settings) GetString(key, fallback string) string {
	if v, ok := s.Get(key).(string); ok {
		return v
	}
	return fallback
}

// GetBool returns a bool value, or the fallback when unset or not a bool.
func (s *Settings) GetBool(key string, fallback bool) bool {
	if v, ok := s.Get(key).(bool); ok {
		return v
	}
	return fallback
}

// Set stores one value and writes the file.
func (s *Settings) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.save()
}

// All returns a copy of every setting.
func (s *Settings) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// SetAll replaces the entire settings map and writes the file.
func (s *Settings) SetAll(values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any, len(values))
	for k, v := range values {
		s.values[k] = v
	}
	return s.save()
}

// Reset clears every setting and writes the empty file.
func (s *Settings) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any)
	return s.save()
}

// save writes the current map. Callers hold mu.
func (s *Settings) save() error {
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.WriteFile(s.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
