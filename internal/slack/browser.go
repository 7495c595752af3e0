// File: internal/slack/browser.go
package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/standup-cli/internal/browser"
	"github.com/xkilldash9x/standup-cli/internal/config"
	"github.com/xkilldash9x/standup-cli/internal/observability"
)

// BrowserClient serves the same operations as the API-mode client without a
// provisioned credential. It rides an authenticated browser session: a web
// token extracted from the workspace backs ordinary REST calls, and when no
// token can be extracted at all, channel history degrades to scraping the
// rendered message pane.
type BrowserClient struct {
	resolver  *WebTokenResolver
	runner    *browser.Runner
	extractor *browser.Extractor
	apiCfg    config.APIConfig
	slackCfg  config.SlackConfig
	logger    *zap.Logger
	events    *observability.EventLog

	mu         sync.Mutex
	api        *Client
	apiToken   string
	pagination PaginationStats
}

// NewBrowserClient builds a browser-mode client around one session's runner
// and token resolver.
func NewBrowserClient(resolver *WebTokenResolver, runner *browser.Runner, apiCfg config.APIConfig, slackCfg config.SlackConfig, logger *zap.Logger, events *observability.EventLog) *BrowserClient {
	return &BrowserClient{
		resolver:  resolver,
		runner:    runner,
		extractor: browser.NewExtractor(logger),
		apiCfg:    apiCfg,
		slackCfg:  slackCfg,
		logger:    logger.Named("slack_browser"),
		events:    events,
	}
}

// client resolves the current web token and returns an API client bound to
// it, rebuilding the client whenever the token changes.
func (c *BrowserClient) client(ctx context.Context) (*Client, error) {
	token, err := c.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil || c.apiToken != token {
		c.api = NewClient(token, c.apiCfg, c.slackCfg, c.logger)
		c.apiToken = token
	}
	return c.api, nil
}

// withAuthRetry runs fn against the token-backed API client. On an auth
// failure the cached token is invalidated and fn runs exactly once more with
// a freshly resolved token.
func (c *BrowserClient) withAuthRetry(ctx context.Context, fn func(*Client) error) error {
	api, err := c.client(ctx)
	if err != nil {
		return err
	}
	err = fn(api)
	if !errors.Is(err, ErrAuthFailed) {
		return err
	}

	c.logger.Info("Web token rejected, re-extracting from browser session.")
	c.events.Record("web_token_invalidated", nil)
	c.resolver.Invalidate()
	c.mu.Lock()
	c.api = nil
	c.mu.Unlock()

	api, rerr := c.client(ctx)
	if rerr != nil {
		return fmt.Errorf("token re-extraction after auth failure: %w", rerr)
	}
	return fn(api)
}

// Pagination reports how the last paginated fetch was satisfied.
func (c *BrowserClient) Pagination() PaginationStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pagination
}

func (c *BrowserClient) setPagination(stats PaginationStats) {
	c.mu.Lock()
	c.pagination = stats
	c.mu.Unlock()
}

// FetchChannelHistory fetches channel messages, preferring the token-backed
// API path and falling back to DOM scraping when no token can be extracted.
func (c *BrowserClient) FetchChannelHistory(ctx context.Context, channel, oldest string) ([]Message, error) {
	var messages []Message
	err := c.withAuthRetry(ctx, func(api *Client) error {
		var ferr error
		messages, ferr = api.FetchChannelHistory(ctx, channel, oldest)
		if ferr == nil {
			c.setPagination(api.Pagination())
		}
		return ferr
	})
	if err == nil {
		return messages, nil
	}
	if errors.Is(err, ErrAuthFailed) || ctx.Err() != nil {
		return nil, err
	}

	c.logger.Warn("API path unavailable, scraping channel history from the DOM.",
		zap.String("channel", channel), zap.Error(err))
	return c.scrapeChannelHistory(ctx, channel)
}

// scrapeChannelHistory reads whatever messages the rendered message pane
// holds. It cannot paginate backwards, so it reports a single "dom" page.
func (c *BrowserClient) scrapeChannelHistory(ctx context.Context, channel string) ([]Message, error) {
	url := c.channelURL(channel)

	var messages []Message
	err := c.runner.WithPage(ctx, url, func(ctx context.Context, page browser.PageDriver) error {
		records, err := c.extractor.ExtractMessages(ctx, page, browser.SlackCatalog)
		if err != nil {
			return err
		}
		messages = messages[:0]
		for _, rec := range records {
			messages = append(messages, Message{
				Text:      rec.Text,
				User:      firstNonEmpty(rec.User, rec.UserID),
				TS:        rec.Timestamp,
				Permalink: rec.Permalink,
			})
		}
		return nil
	}, true)
	if err != nil {
		return nil, fmt.Errorf("dom scrape of %s failed: %w", channel, err)
	}

	c.setPagination(PaginationStats{Method: "dom", Pages: 1, Messages: len(messages)})
	c.events.Record("dom_scrape_ok", map[string]any{"channel": channel, "messages": len(messages)})
	return messages, nil
}

func (c *BrowserClient) channelURL(channel string) string {
	base := strings.TrimRight(c.slackCfg.WorkspaceURL, "/")
	return base + "/archives/" + channel
}

// FetchThreadReplies fetches one thread via the token-backed API.
func (c *BrowserClient) FetchThreadReplies(ctx context.Context, channel, threadTS string) ([]Message, error) {
	var messages []Message
	err := c.withAuthRetry(ctx, func(api *Client) error {
		var ferr error
		messages, ferr = api.FetchThreadReplies(ctx, channel, threadTS)
		return ferr
	})
	return messages, err
}

// SearchMessages runs a workspace search via the token-backed API.
func (c *BrowserClient) SearchMessages(ctx context.Context, query string) ([]Message, error) {
	var messages []Message
	err := c.withAuthRetry(ctx, func(api *Client) error {
		var ferr error
		messages, ferr = api.SearchMessages(ctx, query)
		return ferr
	})
	return messages, err
}

// GetUserInfo resolves a user id to a display name.
func (c *BrowserClient) GetUserInfo(ctx context.Context, userID string) (string, error) {
	var name string
	err := c.withAuthRetry(ctx, func(api *Client) error {
		var ferr error
		name, ferr = api.GetUserInfo(ctx, userID)
		return ferr
	})
	return name, err
}

// PostMessage sends a message via the token-backed API.
func (c *BrowserClient) PostMessage(ctx context.Context, channel, text string) error {
	return c.withAuthRetry(ctx, func(api *Client) error {
		return api.PostMessage(ctx, channel, text)
	})
}

// SetChannelTopic replaces the channel topic via the token-backed API.
func (c *BrowserClient) SetChannelTopic(ctx context.Context, channel, topic string) error {
	return c.withAuthRetry(ctx, func(api *Client) error {
		return api.SetChannelTopic(ctx, channel, topic)
	})
}

// GetChannelTopic reads the channel topic via the token-backed API.
func (c *BrowserClient) GetChannelTopic(ctx context.Context, channel string) (string, error) {
	var topic string
	err := c.withAuthRetry(ctx, func(api *Client) error {
		var ferr error
		topic, ferr = api.GetChannelTopic(ctx, channel)
		return ferr
	})
	return topic, err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
