// File: internal/browser/session_test.go
package browser

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/standup-cli/internal/config"
)

func stubLaunch(s *Session) *int {
	launches := new(int)
	s.launchFn = func(ctx context.Context) error {
		*launches++
		return nil
	}
	return launches
}

func sessionConfig(t *testing.T) *config.BrowserConfig {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "storage_state.json")
	state := &StorageState{Cookies: []Cookie{{Name: "d", Value: "v", Domain: ".slack.com"}}}
	require.NoError(t, state.Save(statePath))
	return &config.BrowserConfig{
		StorageStatePath: statePath,
		Headless:         true,
		MaxRetries:       3,
	}
}

func TestSessionStartIsIdempotent(t *testing.T) {
	s := NewSession(sessionConfig(t), zap.NewNop(), nil)
	launches := stubLaunch(s)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, 1, *launches, "a started session must not launch again")
	assert.Equal(t, 1, s.Launches())
}

func TestSessionStartFailsFastWithoutState(t *testing.T) {
	cfg := &config.BrowserConfig{
		StorageStatePath: filepath.Join(t.TempDir(), "missing.json"),
		Headless:         true,
		InteractiveLogin: false,
	}
	s := NewSession(cfg, zap.NewNop(), nil)
	stubLaunch(s)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoStorageState)
}

func TestSessionStartHeadedInteractiveWithoutState(t *testing.T) {
	// A headed session with interactive login permitted may start without
	// persisted state; the operator will log in.
	cfg := &config.BrowserConfig{
		StorageStatePath: filepath.Join(t.TempDir(), "missing.json"),
		Headless:         false,
		InteractiveLogin: true,
	}
	s := NewSession(cfg, zap.NewNop(), nil)
	launches := stubLaunch(s)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, *launches)
}

func TestSessionUserDataDirSkipsStateRequirement(t *testing.T) {
	// A persistent profile carries its own authentication; no storage-state
	// file is required.
	cfg := &config.BrowserConfig{
		StorageStatePath: filepath.Join(t.TempDir(), "missing.json"),
		UserDataDir:      t.TempDir(),
		Headless:         true,
	}
	s := NewSession(cfg, zap.NewNop(), nil)
	stubLaunch(s)

	require.NoError(t, s.Start(context.Background()))
}

func TestSessionStartRecoversFromLaunchFailures(t *testing.T) {
	cfg := sessionConfig(t)
	cfg.RetryDelay = time.Millisecond
	s := NewSession(cfg, zap.NewNop(), nil)

	calls := 0
	s.launchFn = func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("chrome failed to start")
		}
		return nil
	}

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, calls, "two relaunches before the third attempt succeeds")
	assert.Equal(t, 1, s.Launches())
}

func TestSessionStartGivesUpAfterRetryBudget(t *testing.T) {
	cfg := sessionConfig(t)
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	s := NewSession(cfg, zap.NewNop(), nil)

	calls := 0
	launchErr := errors.New("chrome failed to start")
	s.launchFn = func(ctx context.Context) error {
		calls++
		return launchErr
	}

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, launchErr)
	assert.Equal(t, 3, calls, "initial attempt plus two recoveries")
}

func TestProxyAuthResponseCarriesCredentials(t *testing.T) {
	resp := proxyAuthResponse(&config.ProxyConfig{Username: "ops", Password: "hunter2"})
	assert.Equal(t, fetch.AuthChallengeResponseResponseProvideCredentials, resp.Response)
	assert.Equal(t, "ops", resp.Username)
	assert.Equal(t, "hunter2", resp.Password)
}

func TestSessionRefreshRelaunches(t *testing.T) {
	s := NewSession(sessionConfig(t), zap.NewNop(), nil)
	launches := stubLaunch(s)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Refresh(context.Background()))

	assert.Equal(t, 2, *launches, "refresh fully replaces the session")
	assert.Equal(t, 2, s.Launches())
}

func TestSessionCloseThenStart(t *testing.T) {
	s := NewSession(sessionConfig(t), zap.NewNop(), nil)
	launches := stubLaunch(s)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close is safe")
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, 2, *launches)
}
