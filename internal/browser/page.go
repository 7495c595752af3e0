// File: internal/browser/page.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/standup-cli/internal/config"
)

// Page is a single browser tab, scoped to one logical action (one navigation
// plus one extraction). The page-action runner always closes it in a defer.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *config.BrowserConfig
	logger *zap.Logger
}

// Context exposes the underlying chromedp context for extraction code.
func (p *Page) Context() context.Context { return p.ctx }

// Close releases the tab. Always safe to call more than once.
func (p *Page) Close() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// run executes chromedp actions against the tab, respecting both the tab
// lifetime and the caller's context, bounded by timeout when positive.
func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx := p.ctx
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

// Navigate loads the URL and applies the smart wait.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.logger.Debug("Navigating.", zap.String("url", url))
	if err := p.run(ctx, p.cfg.NavigationTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	p.smartWait(ctx)
	return nil
}

// Reload reloads the current document and applies the smart wait. Used by the
// page-action runner between retry attempts.
func (p *Page) Reload(ctx context.Context) error {
	if err := p.run(ctx, p.cfg.NavigationTimeout, chromedp.Reload()); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	p.smartWait(ctx)
	return nil
}

// smartWait settles the page: wait for document readiness bounded by the
// network-idle timeout, then require the DOM to hold still for one stability
// window. Failures here are logged, never returned; a half-settled page is a
// problem for the extraction layer, not the navigation layer.
func (p *Page) smartWait(ctx context.Context) {
	sw := p.cfg.SmartWait
	if !sw.Enabled {
		return
	}

	if err := p.run(ctx, sw.NetworkIdleTimeout, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		p.logger.Debug("Document readiness wait did not complete.", zap.Error(err))
	}

	deadline := time.Now().Add(sw.StabilityTimeout)
	prev := -1
	for time.Now().Before(deadline) {
		var size int
		if err := p.run(ctx, sw.StabilityWindow*2,
			chromedp.Evaluate(`document.documentElement ? document.documentElement.innerHTML.length : 0`, &size),
		); err != nil {
			p.logger.Debug("DOM stability probe failed.", zap.Error(err))
			return
		}
		if size == prev {
			return
		}
		prev = size
		select {
		case <-ctx.Done():
			return
		case <-time.After(sw.StabilityWindow):
		}
	}
	p.logger.Debug("DOM did not stabilize within the stability timeout.")
}

// URL returns the tab's current location.
func (p *Page) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, p.cfg.Timeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read page location: %w", err)
	}
	return loc, nil
}

// WaitVisible waits for one selector to become visible within timeout.
// A miss is reported as false, not an error.
func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) bool {
	err := p.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
	return err == nil
}

// Click clicks the first element matching selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	err := p.run(ctx, p.cfg.Timeout,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("click failed for selector %q: %w", selector, err)
	}
	return nil
}

// Type sends text to the element matching selector.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	timeout := p.cfg.Timeout + time.Duration(len(text)/20)*time.Second
	err := p.run(ctx, timeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("type failed for selector %q: %w", selector, err)
	}
	return nil
}

// Text returns the trimmed text content of the first element matching selector.
func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	var out string
	err := p.run(ctx, p.cfg.Timeout, chromedp.Text(selector, &out, chromedp.ByQuery))
	if err != nil {
		return "", fmt.Errorf("text read failed for selector %q: %w", selector, err)
	}
	return strings.TrimSpace(out), nil
}

// Evaluate runs a JavaScript snippet and optionally unmarshals its result.
func (p *Page) Evaluate(ctx context.Context, script string, res any) error {
	return p.run(ctx, p.cfg.Timeout, chromedp.Evaluate(script, res))
}

// Screenshot captures the full viewport.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, p.cfg.Timeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

// HTML returns the full document markup.
func (p *Page) HTML(ctx context.Context) (string, error) {
	var out string
	if err := p.run(ctx, p.cfg.Timeout, chromedp.OuterHTML("html", &out, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("dom snapshot failed: %w", err)
	}
	return out, nil
}
