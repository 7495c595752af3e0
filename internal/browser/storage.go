// File: internal/browser/storage.go
package browser

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	homedir "github.com/mitchellh/go-homedir"
)

var stateJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoStorageState is returned when a headless session cannot proceed
// because no persisted authentication state exists and interactive login is
// not permitted. It is a configuration error: surfaced immediately, never
// retried.
var ErrNoStorageState = errors.New("no storage state available and interactive login is disabled")

// Cookie is one persisted browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// LocalStorageItem is one persisted localStorage entry.
type LocalStorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Origin groups the localStorage entries of one web origin.
type Origin struct {
	Origin       string             `json:"origin"`
	LocalStorage []LocalStorageItem `json:"localStorage"`
}

// StorageState is a serialized snapshot of cookies and local-storage entries
// for one browser profile. If present and not expired it must allow headless
// operation without interactive login.
type StorageState struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// LoadStorageState reads a storage-state file. A missing file yields
// (nil, nil): absence is a normal condition the session layer decides on.
func LoadStorageState(path string) (*StorageState, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand storage state path %q: %w", path, err)
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read storage state %q: %w", expanded, err)
	}

	var state StorageState
	if err := stateJSON.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse storage state %q: %w", expanded, err)
	}
	return &state, nil
}

// Save writes the state to path as a whole-file overwrite. The write is not
// safe for concurrent writers to the same path.
func (s *StorageState) Save(path string) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("failed to expand storage state path %q: %w", path, err)
	}
	if dir := filepath.Dir(expanded); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create storage state directory: %w", err)
		}
	}

	data, err := stateJSON.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode storage state: %w", err)
	}
	if err := os.WriteFile(expanded, data, 0o600); err != nil {
		return fmt.Errorf("failed to write storage state %q: %w", expanded, err)
	}
	return nil
}

// LocalStorageValue looks up a localStorage entry for an origin. The origin
// match is by host suffix so "https://app.slack.com" finds entries persisted
// under any slack.com origin.
func (s *StorageState) LocalStorageValue(origin, name string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, o := range s.Origins {
		if !originMatches(o.Origin, origin) {
			continue
		}
		for _, item := range o.LocalStorage {
			if item.Name == name {
				return item.Value, true
			}
		}
	}
	return "", false
}

func originMatches(stored, wanted string) bool {
	if stored == wanted {
		return true
	}
	return strings.HasSuffix(hostOf(stored), hostOf(wanted)) ||
		strings.HasSuffix(hostOf(wanted), hostOf(stored))
}

func hostOf(origin string) string {
	h := origin
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexByte(h, '/'); i >= 0 {
		h = h[:i]
	}
	return h
}
