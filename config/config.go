// Package config loads and persists rmcl's on-disk configuration: the
// device/user token pair and the XDG-derived cache/config paths.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/rs/zerolog/log"
)

// Store is the on-disk token set, persisted as a flat JSON object of
// string key-value pairs per spec (keys "devicetoken" and "usertoken").
type Store struct {
	DeviceToken string `json:"devicetoken"`
	UserToken   string `json:"usertoken"`

	path string
}

// ConfigPath returns "<config>/rmcl/config.json".
func ConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		log.Error().Err(err).Msg("could not determine config directory")
	}
	return filepath.Join(dir, "rmcl", "config.json")
}

// CacheDBPath returns "<cache>/rmcl/filedata.db".
func CacheDBPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		log.Error().Err(err).Msg("could not determine cache directory")
	}
	return filepath.Join(dir, "rmcl", "filedata.db")
}

// Load reads the config file at path, applying empty-string defaults for
// any key not present. A missing file is not an error - the caller gets an
// empty token set to drive the registration flow.
func Load(path string) *Store {
	defaults := Store{path: path}

	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config file not found, starting fresh")
		return &defaults
	}

	store := &Store{path: path}
	if err := json.Unmarshal(raw, store); err != nil {
		log.Error().Err(err).Str("path", path).Msg("could not parse config file, starting fresh")
		return &defaults
	}
	if err := mergo.Merge(store, defaults); err != nil {
		log.Error().Err(err).Msg("could not merge config defaults")
	}
	return store
}

// Save writes the token set back to disk.
func (s *Store) Save() error {
	if s.path == "" {
		s.path = ConfigPath()
	}
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("could not marshal config")
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(s.path, out, 0600); err != nil {
		log.Error().Err(err).Msg("could not write config to disk")
		return err
	}
	return nil
}

// GetDeviceToken implements api.TokenStore.
func (s *Store) GetDeviceToken() string { return s.DeviceToken }

// GetUserToken implements api.TokenStore.
func (s *Store) GetUserToken() string { return s.UserToken }

// SetDeviceToken implements api.TokenStore.
func (s *Store) SetDeviceToken(token string) error {
	s.DeviceToken = token
	return s.Save()
}

// SetUserToken implements api.TokenStore.
func (s *Store) SetUserToken(token string) error {
	s.UserToken = token
	return s.Save()
}
