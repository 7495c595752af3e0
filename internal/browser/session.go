// File: internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/standup-cli/internal/config"
	"github.com/xkilldash9x/standup-cli/internal/observability"
)

// Session owns one browser process and one browser context. It is created
// lazily on first use, survives across many page actions, and is fully
// replaced (never partially repaired) when it goes stale. A Session supports
// one page action in flight at a time.
type Session struct {
	id     string
	cfg    *config.BrowserConfig
	logger *zap.Logger
	events *observability.EventLog

	recovery *RecoveryManager

	mu            sync.Mutex
	started       bool
	launches      int
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	state         *StorageState
	seeded        map[string]bool

	// launchFn performs the actual browser launch. Tests replace it to count
	// launches without spawning a process.
	launchFn func(ctx context.Context) error
}

// NewSession creates a Session wrapper; the browser process is not launched
// until Start (or the first NewPage).
func NewSession(cfg *config.BrowserConfig, logger *zap.Logger, events *observability.EventLog) *Session {
	id := uuid.New().String()
	s := &Session{
		id:       id,
		cfg:      cfg,
		logger:   logger.Named("session").With(zap.String("session_id", id[:8])),
		events:   events,
		seeded:   make(map[string]bool),
		recovery: NewRecoveryManager(cfg.MaxRetries, cfg.RetryDelay, logger),
	}
	s.launchFn = s.launch
	return s
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string { return s.id }

// Launches returns how many times a browser process has been launched.
func (s *Session) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

// Start launches the browser process and creates the browser context. It is
// idempotent: if a live context exists it is a no-op. With no persisted
// storage state, no persistent user-data directory, and interactive login
// unavailable (disabled or headless), Start fails fast with ErrNoStorageState
// instead of hanging on a login page later.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Session) startLocked(ctx context.Context) error {
	if s.started {
		return nil
	}

	if s.cfg.UserDataDir == "" {
		state, err := LoadStorageState(s.cfg.StorageStatePath)
		if err != nil {
			return err
		}
		if state == nil && (s.cfg.Headless || !s.cfg.InteractiveLogin) {
			return fmt.Errorf("%w (storage_state_path=%s)", ErrNoStorageState, s.cfg.StorageStatePath)
		}
		s.state = state
	}

	if err := s.launchWithRecovery(ctx); err != nil {
		return err
	}
	s.launches++
	s.started = true
	s.logger.Info("Browser session started.",
		zap.Bool("headless", s.cfg.Headless),
		zap.Bool("has_storage_state", s.state != nil),
		zap.Int("launch_count", s.launches))
	return nil
}

// launchWithRecovery runs the launch under the fixed-delay recovery loop:
// each failure buys one delayed relaunch attempt until the budget runs out.
func (s *Session) launchWithRecovery(ctx context.Context) error {
	launchErr := s.launchFn(ctx)
	for launchErr != nil {
		var retryErr error
		recovered := s.recovery.HandleFailure(ctx, launchErr, func(c context.Context) error {
			retryErr = s.launchFn(c)
			return retryErr
		})
		if recovered {
			return nil
		}
		if retryErr == nil {
			// Budget exhausted or context cancelled before a relaunch ran.
			return fmt.Errorf("failed to launch browser: %w", launchErr)
		}
		launchErr = retryErr
	}
	return nil
}

// launch builds the exec allocator and browser context and restores cookies.
func (s *Session) launch(ctx context.Context) error {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", s.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
		chromedp.WindowSize(1440, 900),
	)
	if s.cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(s.cfg.UserDataDir))
	}
	if s.cfg.Proxy.Server != "" {
		opts = append(opts, chromedp.ProxyServer(s.cfg.Proxy.Server))
	}
	for _, arg := range s.cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}

	// The allocator is anchored to the background context so the session
	// outlives the call that happened to start it.
	s.allocCtx, s.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	s.browserCtx, s.browserCancel = chromedp.NewContext(s.allocCtx)

	// A derived timeout bounds the launch without tying the browser lifetime
	// to the caller's context.
	launchCtx, cancel := context.WithTimeout(s.browserCtx, s.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(launchCtx); err != nil {
		s.teardownLocked()
		return err
	}

	if s.state != nil && len(s.state.Cookies) > 0 {
		if err := s.restoreCookies(); err != nil {
			s.logger.Warn("Could not restore cookies from storage state.", zap.Error(err))
		}
	}
	return nil
}

// restoreCookies applies the persisted cookies to the live browser context.
func (s *Session) restoreCookies() error {
	params := make([]*network.CookieParam, 0, len(s.state.Cookies))
	for _, c := range s.state.Cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &exp
		}
		params = append(params, p)
	}
	return chromedp.Run(s.browserCtx, storage.SetCookies(params))
}

// NewPage creates a page (tab), optionally navigates to url, and applies the
// smart wait before returning control. Auto-starts the session on first use.
func (s *Session) NewPage(ctx context.Context, pageURL string) (*Page, error) {
	s.mu.Lock()
	if err := s.startLocked(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	browserCtx := s.browserCtx
	s.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	p := &Page{
		ctx:    tabCtx,
		cancel: tabCancel,
		cfg:    s.cfg,
		logger: s.logger.Named("page"),
	}

	// Materialize the target before anything else runs against it.
	if err := p.run(ctx, s.cfg.Timeout, chromedp.Tasks{}); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if s.cfg.Proxy.Server != "" && s.cfg.Proxy.Username != "" {
		if err := s.enableProxyAuth(ctx, p); err != nil {
			p.Close()
			return nil, err
		}
	}

	if pageURL != "" {
		if err := s.seedOrigin(ctx, p, pageURL); err != nil {
			s.logger.Debug("Local storage seeding skipped.", zap.Error(err))
		}
		if err := p.Navigate(ctx, pageURL); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

// enableProxyAuth arms the tab to answer the proxy's auth challenge with the
// configured credentials. Chrome's --proxy-server flag carries no credential
// support, so the challenge must be answered over CDP per target.
func (s *Session) enableProxyAuth(ctx context.Context, p *Page) error {
	chromedp.ListenTarget(p.ctx, func(ev any) {
		switch ev := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				err := chromedp.Run(p.ctx, fetch.ContinueWithAuth(ev.RequestID, proxyAuthResponse(&s.cfg.Proxy)))
				if err != nil {
					s.logger.Debug("Proxy auth continuation failed.", zap.Error(err))
				}
			}()
		case *fetch.EventRequestPaused:
			go func() {
				if err := chromedp.Run(p.ctx, fetch.ContinueRequest(ev.RequestID)); err != nil {
					s.logger.Debug("Paused request continuation failed.", zap.Error(err))
				}
			}()
		}
	})
	if err := p.run(ctx, s.cfg.Timeout, fetch.Enable().WithHandleAuthRequests(true)); err != nil {
		return fmt.Errorf("failed to enable proxy auth handling: %w", err)
	}
	return nil
}

// proxyAuthResponse builds the CDP credential answer for an auth challenge.
func proxyAuthResponse(cfg *config.ProxyConfig) *fetch.AuthChallengeResponse {
	return &fetch.AuthChallengeResponse{
		Response: fetch.AuthChallengeResponseResponseProvideCredentials,
		Username: cfg.Username,
		Password: cfg.Password,
	}
}

// seedOrigin replays persisted localStorage entries for the target origin
// before the application loads. Requires one navigation to the bare origin;
// done at most once per origin per session.
func (s *Session) seedOrigin(ctx context.Context, p *Page, pageURL string) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == nil {
		return nil
	}

	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("unseedable url %q", pageURL)
	}
	origin := u.Scheme + "://" + u.Host

	s.mu.Lock()
	done := s.seeded[origin]
	if !done {
		s.seeded[origin] = true
	}
	s.mu.Unlock()
	if done {
		return nil
	}

	var items []LocalStorageItem
	for _, o := range state.Origins {
		if originMatches(o.Origin, origin) {
			items = append(items, o.LocalStorage...)
		}
	}
	if len(items) == 0 {
		return nil
	}

	kv := make(map[string]string, len(items))
	for _, item := range items {
		kv[item.Name] = item.Value
	}
	encoded, err := stateJSON.Marshal(kv)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(() => {
        const items = %s;
        for (const k of Object.keys(items)) {
            try { localStorage.setItem(k, items[k]); } catch (e) {}
        }
        return true;
    })()`, string(encoded))

	var ok bool
	if err := p.run(ctx, s.cfg.NavigationTimeout,
		chromedp.Navigate(origin),
		chromedp.Evaluate(script, &ok),
	); err != nil {
		return fmt.Errorf("failed to seed localStorage for %s: %w", origin, err)
	}
	s.logger.Debug("Seeded localStorage from storage state.",
		zap.String("origin", origin), zap.Int("entries", len(items)))
	return nil
}

// CaptureStorageState reads the live cookies and the page's localStorage into
// a StorageState snapshot.
func (s *Session) CaptureStorageState(ctx context.Context, p *Page) (*StorageState, error) {
	state := &StorageState{}

	var cookies []*network.Cookie
	var origin string
	var local map[string]string
	err := p.run(ctx, s.cfg.Timeout,
		chromedp.ActionFunc(func(c context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(c)
			return err
		}),
		chromedp.Evaluate(`window.location.origin`, &origin),
		chromedp.Evaluate(`(() => {
            const items = {};
            try {
                for (let i = 0; i < localStorage.length; i++) {
                    const k = localStorage.key(i);
                    if (k) { items[k] = localStorage.getItem(k); }
                }
            } catch (e) {}
            return items;
        })()`, &local),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to capture storage state: %w", err)
	}

	for _, c := range cookies {
		state.Cookies = append(state.Cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	if len(local) > 0 {
		o := Origin{Origin: origin}
		for k, v := range local {
			o.LocalStorage = append(o.LocalStorage, LocalStorageItem{Name: k, Value: v})
		}
		state.Origins = append(state.Origins, o)
	}
	return state, nil
}

// SaveStorageState captures and persists the current state. Safe to call any
// time the context is live; failures are logged by callers, never fatal.
func (s *Session) SaveStorageState(ctx context.Context, p *Page) error {
	if s.cfg.StorageStatePath == "" {
		return nil
	}
	state, err := s.CaptureStorageState(ctx, p)
	if err != nil {
		return err
	}
	if err := state.Save(s.cfg.StorageStatePath); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debug("Storage state persisted.", zap.String("path", s.cfg.StorageStatePath))
	return nil
}

// Close tears down context, browser, and driver process in that order,
// swallowing teardown errors, and nils out internal handles so a subsequent
// Start rebuilds from scratch.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.teardownLocked()
	s.started = false
	s.seeded = make(map[string]bool)
	s.logger.Debug("Browser session closed.")
	return nil
}

func (s *Session) teardownLocked() {
	if s.browserCancel != nil {
		s.browserCancel()
		s.browserCancel = nil
		s.browserCtx = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
		s.allocCtx = nil
	}
}

// Refresh fully replaces a suspected-stale session: close, remove any stale
// profile lock left by a crashed process, start again.
func (s *Session) Refresh(ctx context.Context) error {
	s.logger.Info("Refreshing browser session.")
	if err := s.Close(); err != nil {
		s.logger.Debug("Ignoring close error during refresh.", zap.Error(err))
	}
	if s.cfg.UserDataDir != "" {
		lock := filepath.Join(s.cfg.UserDataDir, "SingletonLock")
		if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Could not remove stale profile lock.", zap.String("path", lock), zap.Error(err))
		}
	}
	s.events.Record("session_refresh", map[string]any{"session_id": s.id})
	return s.Start(ctx)
}
