// File: internal/browser/runner.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/standup-cli/internal/config"
	"github.com/xkilldash9x/standup-cli/internal/observability"
)

// ErrSessionExpired marks a failure caused by lost authentication rather than
// a transient page glitch. The runner answers it with exactly one session
// refresh followed by a single retry instead of the normal reload loop.
var ErrSessionExpired = errors.New("browser session expired")

const readySelectorTimeout = 3 * time.Second

// PageDriver is the slice of Page behavior the runner depends on.
type PageDriver interface {
	Context() context.Context
	URL(ctx context.Context) (string, error)
	Reload(ctx context.Context) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) bool
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Evaluate(ctx context.Context, script string, res any) error
	Screenshot(ctx context.Context) ([]byte, error)
	HTML(ctx context.Context) (string, error)
	Close()
}

// SessionDriver is the slice of Session behavior the runner depends on.
type SessionDriver interface {
	NewPage(ctx context.Context, url string) (PageDriver, error)
	Refresh(ctx context.Context) error
	SaveStorageState(ctx context.Context, page PageDriver) error
}

type sessionDriver struct{ s *Session }

func (d sessionDriver) NewPage(ctx context.Context, url string) (PageDriver, error) {
	p, err := d.s.NewPage(ctx, url)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (d sessionDriver) Refresh(ctx context.Context) error { return d.s.Refresh(ctx) }

func (d sessionDriver) SaveStorageState(ctx context.Context, page PageDriver) error {
	p, ok := page.(*Page)
	if !ok {
		return fmt.Errorf("cannot capture storage state from %T", page)
	}
	return d.s.SaveStorageState(ctx, p)
}

// Driver adapts a concrete Session to the SessionDriver seam.
func Driver(s *Session) SessionDriver { return sessionDriver{s: s} }

// Runner wraps "open page, wait until ready, run extraction, clean up" with
// attempt-bounded retry, failure artifacts, and reload between attempts.
type Runner struct {
	session SessionDriver
	cfg     *config.BrowserConfig
	catalog Catalog
	logger  *zap.Logger
	events  *observability.EventLog
}

// NewRunner builds a runner for one target site's catalog.
func NewRunner(session SessionDriver, cfg *config.BrowserConfig, catalog Catalog, logger *zap.Logger, events *observability.EventLog) *Runner {
	return &Runner{
		session: session,
		cfg:     cfg,
		catalog: catalog,
		logger:  logger.Named("runner"),
		events:  events,
	}
}

// WithPage opens a page at url, waits for the application's ready state, and
// invokes action. On failure it reloads and retries up to the configured
// maximum with a fixed inter-attempt delay, re-raising the last error when
// exhausted. ErrSessionExpired short-circuits into one session refresh and a
// single retry. The page is always closed before returning.
func (r *Runner) WithPage(ctx context.Context, url string, action func(context.Context, PageDriver) error, retryOnFailure bool) error {
	maxAttempts := 1
	if retryOnFailure {
		maxAttempts = r.cfg.MaxRetries
	}

	page, err := r.session.NewPage(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to open page for %s: %w", url, err)
	}
	defer func() {
		if page != nil {
			page.Close()
		}
	}()

	var lastErr error
	refreshed := false
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = r.runAttempt(ctx, page, action)
		if lastErr == nil {
			r.events.Record("page_action_ok", map[string]any{"url": url, "attempt": attempt})
			return nil
		}

		r.logger.Warn("Page action attempt failed.",
			zap.String("url", url), zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts), zap.Error(lastErr))
		r.events.Record("page_action_failed", map[string]any{
			"url": url, "attempt": attempt, "error": lastErr.Error(),
		})
		r.captureFailureArtifacts(ctx, page, attempt)

		if errors.Is(lastErr, ErrSessionExpired) {
			if refreshed {
				break
			}
			refreshed = true

			page.Close()
			page = nil
			if err := r.session.Refresh(ctx); err != nil {
				return fmt.Errorf("session refresh after expiry failed: %w", err)
			}
			page, err = r.session.NewPage(ctx, url)
			if err != nil {
				return fmt.Errorf("failed to reopen page after refresh: %w", err)
			}

			// Exactly one retry after a refresh, regardless of remaining budget.
			lastErr = r.runAttempt(ctx, page, action)
			if lastErr == nil {
				r.events.Record("page_action_ok_after_refresh", map[string]any{"url": url})
				return nil
			}
			break
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.RetryDelay):
			}
			if err := page.Reload(ctx); err != nil {
				r.logger.Debug("Reload between attempts failed.", zap.Error(err))
			}
		}
	}

	return fmt.Errorf("page action for %s failed: %w", url, lastErr)
}

func (r *Runner) runAttempt(ctx context.Context, page PageDriver, action func(context.Context, PageDriver) error) error {
	if err := r.waitReady(ctx, page); err != nil {
		return err
	}
	return action(ctx, page)
}

// waitReady defines the per-site "Ready" state: the tab is not parked on a
// login page, and at least one ready-indicator selector is visible.
func (r *Runner) waitReady(ctx context.Context, page PageDriver) error {
	loc, err := page.URL(ctx)
	if err != nil {
		return fmt.Errorf("could not determine page location: %w", err)
	}
	for _, pattern := range r.catalog.LoginURLPatterns {
		if pattern != "" && strings.Contains(loc, pattern) {
			return fmt.Errorf("login page detected at %s: %w", loc, ErrSessionExpired)
		}
	}

	if r.catalog.ReadyIndicators.Empty() {
		return nil
	}
	for _, sel := range r.catalog.ReadyIndicators.All() {
		if sel == "" {
			continue
		}
		if page.WaitVisible(ctx, sel, readySelectorTimeout) {
			return nil
		}
	}
	return fmt.Errorf("no ready indicator matched (%s)", r.catalog.ReadyIndicators.Name)
}

// captureFailureArtifacts saves a screenshot and/or DOM snapshot for post-hoc
// debugging, according to configuration. Never fatal.
func (r *Runner) captureFailureArtifacts(ctx context.Context, page PageDriver, attempt int) {
	if page == nil || (!r.cfg.ScreenshotOnError && !r.cfg.SnapshotDOMOnError) {
		return
	}
	if err := os.MkdirAll(r.cfg.ArtifactsDir, 0o755); err != nil {
		r.logger.Debug("Could not create artifacts directory.", zap.Error(err))
		return
	}
	stamp := time.Now().UTC().Format("20060102T150405.000")

	if r.cfg.ScreenshotOnError {
		if buf, err := page.Screenshot(ctx); err == nil {
			path := filepath.Join(r.cfg.ArtifactsDir, fmt.Sprintf("failure_%s_attempt%d.png", stamp, attempt))
			if werr := os.WriteFile(path, buf, 0o644); werr != nil {
				r.logger.Debug("Could not write failure screenshot.", zap.Error(werr))
			}
		} else {
			r.logger.Debug("Failure screenshot capture failed.", zap.Error(err))
		}
	}
	if r.cfg.SnapshotDOMOnError {
		if html, err := page.HTML(ctx); err == nil {
			path := filepath.Join(r.cfg.ArtifactsDir, fmt.Sprintf("failure_%s_attempt%d.html", stamp, attempt))
			if werr := os.WriteFile(path, []byte(html), 0o644); werr != nil {
				r.logger.Debug("Could not write DOM snapshot.", zap.Error(werr))
			}
		} else {
			r.logger.Debug("DOM snapshot capture failed.", zap.Error(err))
		}
	}
}
