// File: internal/slack/token.go
package slack

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/standup-cli/internal/browser"
	"github.com/xkilldash9x/standup-cli/internal/config"
	"github.com/xkilldash9x/standup-cli/internal/observability"
)

// localConfigScript reads the Slack web client's local configuration blob.
// Newer clients store it under localConfig_v2, older ones under localConfig.
const localConfigScript = `(() => localStorage.getItem('localConfig_v2') || localStorage.getItem('localConfig') || '')()`

// WebTokenResolver extracts a short-lived web session token (xoxc/xoxd class)
// from an authenticated Slack tab's localStorage. The token is cached until
// Invalidate is called; after an auth failure the browser-mode client
// invalidates and resolves once more before giving up.
type WebTokenResolver struct {
	runner    *browser.Runner
	session   browser.SessionDriver
	cfg       config.SlackConfig
	bcfg      *config.BrowserConfig
	extractor *browser.Extractor
	catalog   browser.Catalog
	logger    *zap.Logger
	events    *observability.EventLog

	mu    sync.Mutex
	token string
}

// NewWebTokenResolver builds a resolver bound to one browser session.
func NewWebTokenResolver(runner *browser.Runner, session browser.SessionDriver, slackCfg config.SlackConfig, browserCfg *config.BrowserConfig, logger *zap.Logger, events *observability.EventLog) *WebTokenResolver {
	return &WebTokenResolver{
		runner:    runner,
		session:   session,
		cfg:       slackCfg,
		bcfg:      browserCfg,
		extractor: browser.NewExtractor(logger),
		catalog:   browser.SlackCatalog,
		logger:    logger.Named("token_resolver"),
		events:    events,
	}
}

// Resolve returns the cached token, or extracts one from the workspace. When
// extraction fails and the configuration permits it (headed browser with
// interactive login enabled), it waits for the operator to complete a login
// before trying once more.
func (r *WebTokenResolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.token != "" {
		token := r.token
		r.mu.Unlock()
		return token, nil
	}
	r.mu.Unlock()

	token, err := r.extractFromWorkspace(ctx)
	if err == nil && token != "" {
		r.store(token)
		return token, nil
	}

	if r.bcfg.Headless || !r.bcfg.InteractiveLogin {
		if err != nil {
			return "", fmt.Errorf("could not extract web token: %w", err)
		}
		return "", errors.New("no web token in workspace storage and interactive login is disabled")
	}

	r.logger.Info("No usable web token found, waiting for interactive login.",
		zap.Duration("timeout", r.bcfg.InteractiveLoginTimeout))
	token, err = r.interactiveLogin(ctx)
	if err != nil {
		return "", err
	}
	r.store(token)
	return token, nil
}

// Invalidate drops the cached token so the next Resolve re-extracts.
func (r *WebTokenResolver) Invalidate() {
	r.mu.Lock()
	r.token = ""
	r.mu.Unlock()
}

func (r *WebTokenResolver) store(token string) {
	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
}

// extractFromWorkspace opens the workspace URL in an authenticated tab and
// parses the token out of the web client's local configuration.
func (r *WebTokenResolver) extractFromWorkspace(ctx context.Context) (string, error) {
	var token string
	err := r.runner.WithPage(ctx, r.cfg.WorkspaceURL, func(ctx context.Context, page browser.PageDriver) error {
		var raw string
		if err := page.Evaluate(ctx, localConfigScript, &raw); err != nil {
			return fmt.Errorf("failed to read local configuration: %w", err)
		}
		parsed, err := parseLocalConfigToken(raw, r.cfg.TeamID)
		if err != nil {
			return err
		}
		token = parsed
		return nil
	}, true)
	if err != nil {
		return "", err
	}
	return token, nil
}

// interactiveLogin opens the workspace in the headed browser and waits for the
// logged-in indicator, then persists the fresh storage state and re-extracts.
func (r *WebTokenResolver) interactiveLogin(ctx context.Context) (string, error) {
	session := r.session
	page, err := session.NewPage(ctx, r.cfg.WorkspaceURL)
	if err != nil {
		return "", fmt.Errorf("failed to open login page: %w", err)
	}
	defer page.Close()

	loginCtx, cancel := context.WithTimeout(ctx, r.bcfg.InteractiveLoginTimeout)
	defer cancel()
	if _, ok := r.extractor.WaitForElement(loginCtx, page, r.catalog.LoggedInIndicator, r.bcfg.InteractiveLoginTimeout); !ok {
		return "", fmt.Errorf("interactive login did not complete within %s", r.bcfg.InteractiveLoginTimeout)
	}
	r.events.Record("interactive_login_ok", map[string]any{"workspace": r.cfg.WorkspaceURL})

	if err := session.SaveStorageState(ctx, page); err != nil {
		// The token is still usable for this run even if persistence failed.
		r.logger.Warn("Could not persist storage state after login.", zap.Error(err))
	}

	var raw string
	if err := page.Evaluate(ctx, localConfigScript, &raw); err != nil {
		return "", fmt.Errorf("failed to read local configuration after login: %w", err)
	}
	return parseLocalConfigToken(raw, r.cfg.TeamID)
}

// parseLocalConfigToken pulls a team token out of the raw localConfig JSON.
// With a team id configured only that team's token is accepted; otherwise the
// first team (by sorted key, for determinism) with a token wins.
func parseLocalConfigToken(raw, teamID string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("local configuration is empty")
	}

	var cfg struct {
		Teams map[string]struct {
			ID    string `json:"id"`
			Token string `json:"token"`
		} `json:"teams"`
	}
	if err := apiJSON.Unmarshal([]byte(raw), &cfg); err != nil {
		return "", fmt.Errorf("failed to parse local configuration: %w", err)
	}
	if len(cfg.Teams) == 0 {
		return "", errors.New("local configuration contains no teams")
	}

	if teamID != "" {
		for key, team := range cfg.Teams {
			if key == teamID || team.ID == teamID {
				if team.Token == "" {
					return "", fmt.Errorf("team %s has no token", teamID)
				}
				return team.Token, nil
			}
		}
		return "", fmt.Errorf("team %s not found in local configuration", teamID)
	}

	keys := make([]string, 0, len(cfg.Teams))
	for key := range cfg.Teams {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if token := cfg.Teams[key].Token; token != "" {
			return token, nil
		}
	}
	return "", errors.New("no team in local configuration carries a token")
}
