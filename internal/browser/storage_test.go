// File: internal/browser/storage_test.go
package browser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "storage_state.json")

	state := &StorageState{
		Cookies: []Cookie{
			{Name: "d", Value: "secret", Domain: ".slack.com", Path: "/", Secure: true, HTTPOnly: true},
		},
		Origins: []Origin{
			{
				Origin: "https://app.slack.com",
				LocalStorage: []LocalStorageItem{
					{Name: "localConfig_v2", Value: `{"teams":{}}`},
				},
			},
		},
	}
	require.NoError(t, state.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadStorageState(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	if diff := cmp.Diff(state, loaded); diff != "" {
		t.Errorf("state mismatch after round trip (-want +got):\n%s", diff)
	}
}

func TestLoadStorageStateMissingFile(t *testing.T) {
	state, err := LoadStorageState(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err, "a missing file is a normal condition, not an error")
	assert.Nil(t, state)
}

func TestLoadStorageStateMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadStorageState(path)
	assert.Error(t, err)
}

func TestLocalStorageValueOriginMatching(t *testing.T) {
	state := &StorageState{
		Origins: []Origin{
			{
				Origin: "https://slack.com",
				LocalStorage: []LocalStorageItem{
					{Name: "localConfig_v2", Value: "payload"},
				},
			},
		},
	}

	v, ok := state.LocalStorageValue("https://slack.com", "localConfig_v2")
	require.True(t, ok)
	assert.Equal(t, "payload", v)

	// Host-suffix matching: a subdomain finds state persisted on the apex.
	v, ok = state.LocalStorageValue("https://app.slack.com", "localConfig_v2")
	require.True(t, ok)
	assert.Equal(t, "payload", v)

	_, ok = state.LocalStorageValue("https://notion.so", "localConfig_v2")
	assert.False(t, ok)

	_, ok = state.LocalStorageValue("https://slack.com", "missing_key")
	assert.False(t, ok)

	var nilState *StorageState
	_, ok = nilState.LocalStorageValue("https://slack.com", "localConfig_v2")
	assert.False(t, ok)
}
