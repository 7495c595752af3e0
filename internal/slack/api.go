// File: internal/slack/api.go
package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/standup-cli/internal/config"
	"github.com/xkilldash9x/standup-cli/internal/netutil"
)

var apiJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrAuthFailed marks an authentication-class failure (HTTP 401/403 or a
// known auth error code). The browser-mode client answers it with exactly one
// token refresh; the API-mode client surfaces it unchanged.
var ErrAuthFailed = errors.New("slack authentication failed")

const maxResponseBytes = 10 << 20

// authErrorCodes are application-level error codes that mean the credential
// is no longer usable.
var authErrorCodes = map[string]bool{
	"not_authed":       true,
	"invalid_auth":     true,
	"token_revoked":    true,
	"token_expired":    true,
	"account_inactive": true,
}

// retryableErrorCodes are application-level error codes worth another attempt
// even though the HTTP status was 200.
var retryableErrorCodes = map[string]bool{
	"ratelimited":         true,
	"internal_error":      true,
	"service_unavailable": true,
	"fatal_error":         true,
}

// Client is the API-mode Slack client: a thin REST wrapper with exponential
// backoff for rate limits and transient failures.
type Client struct {
	httpc    *netutil.Client
	baseURL  string
	token    string
	limiter  *rate.Limiter
	policy   netutil.RetryPolicy
	maxPages int
	pageSize int
	logger   *zap.Logger

	mu         sync.Mutex
	stats      ClientStats
	pagination PaginationStats
}

// NewClient builds an API-mode client around one bearer token.
func NewClient(token string, apiCfg config.APIConfig, slackCfg config.SlackConfig, logger *zap.Logger) *Client {
	limit := rate.Inf
	if apiCfg.RequestsPerSecond > 0 {
		limit = rate.Limit(apiCfg.RequestsPerSecond)
	}
	baseURL := strings.TrimRight(slackCfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://slack.com/api"
	}
	return &Client{
		httpc:    netutil.NewClient(&netutil.ClientConfig{RequestTimeout: apiCfg.RequestTimeout, ForceHTTP2: true, Logger: logger}),
		baseURL:  baseURL,
		token:    token,
		limiter:  rate.NewLimiter(limit, 1),
		policy: netutil.RetryPolicy{
			MaxRetries:         apiCfg.MaxRetries,
			BaseDelay:          apiCfg.BaseDelay,
			MaxDelay:           apiCfg.MaxDelay,
			AllowUnsafeRetries: apiCfg.AllowUnsafeRetries,
		},
		maxPages: slackCfg.MaxPages,
		pageSize: slackCfg.PageSize,
		logger:   logger.Named("slack_api"),
	}
}

// Stats returns a snapshot of the per-operation call counters.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Pagination returns a snapshot of the last paginated fetch.
func (c *Client) Pagination() PaginationStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pagination
}

func (c *Client) resetStats(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = ClientStats{}
	c.pagination = PaginationStats{Method: method}
}

// apiCall performs one logical Slack Web API call with retry/backoff.
// Non-idempotent writes are retried only when the policy explicitly allows.
func (c *Client) apiCall(ctx context.Context, method string, form url.Values, idempotent bool, out any) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		c.stats.Calls++
		c.mu.Unlock()

		outcome, serverDelay, err := c.doOnce(ctx, method, form, out)
		if outcome == netutil.OutcomeSuccess {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		if outcome == netutil.OutcomeRateLimited {
			c.mu.Lock()
			c.stats.RateLimitHits++
			c.mu.Unlock()
		}
		if !c.policy.ShouldRetry(attempt, outcome, idempotent) {
			return lastErr
		}

		delay := c.policy.Backoff(attempt)
		if serverDelay > 0 {
			delay = serverDelay
		}
		c.mu.Lock()
		c.stats.Retries++
		c.mu.Unlock()
		c.logger.Warn("Retrying Slack API call.",
			zap.String("method", method), zap.Int("attempt", attempt),
			zap.String("outcome", outcome.String()), zap.Duration("delay", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *Client) doOnce(ctx context.Context, method string, form url.Values, out any) (netutil.Outcome, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return netutil.OutcomeFatal, 0, fmt.Errorf("failed to build request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return netutil.OutcomeRetryableNetwork, 0, fmt.Errorf("slack request %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return netutil.OutcomeRetryableNetwork, 0, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	if outcome := netutil.ClassifyStatus(resp.StatusCode); outcome != netutil.OutcomeSuccess {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return netutil.OutcomeFatal, 0, fmt.Errorf("slack %s returned HTTP %d: %w", method, resp.StatusCode, ErrAuthFailed)
		}
		serverDelay, _ := netutil.RetryAfter(resp)
		return outcome, serverDelay, fmt.Errorf("slack %s returned HTTP %d", method, resp.StatusCode)
	}

	var env envelope
	if err := apiJSON.Unmarshal(body, &env); err != nil {
		return netutil.OutcomeFatal, 0, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if !env.OK {
		// A 200 whose payload reports failure is fatal unless the code is
		// known retryable.
		switch {
		case authErrorCodes[env.Error]:
			return netutil.OutcomeFatal, 0, fmt.Errorf("slack %s: %s: %w", method, env.Error, ErrAuthFailed)
		case retryableErrorCodes[env.Error]:
			return netutil.OutcomeRetryableServer, 0, fmt.Errorf("slack %s: retryable error %q", method, env.Error)
		default:
			return netutil.OutcomeFatal, 0, fmt.Errorf("slack %s: api error %q", method, env.Error)
		}
	}

	if out != nil {
		if err := apiJSON.Unmarshal(body, out); err != nil {
			return netutil.OutcomeFatal, 0, fmt.Errorf("failed to decode %s payload: %w", method, err)
		}
	}
	return netutil.OutcomeSuccess, 0, nil
}

type historyResponse struct {
	Messages         []Message `json:"messages"`
	HasMore          bool      `json:"has_more"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// FetchChannelHistory pages through conversations.history from oldest,
// strictly cursor-chained, bounded by the configured max pages. The
// aggregated result preserves page order.
func (c *Client) FetchChannelHistory(ctx context.Context, channel, oldest string) ([]Message, error) {
	c.resetStats("api")

	var all []Message
	cursor := ""
	for page := 0; page < c.maxPages; page++ {
		form := url.Values{"channel": {channel}}
		if c.pageSize > 0 {
			form.Set("limit", strconv.Itoa(c.pageSize))
		}
		if oldest != "" {
			form.Set("oldest", oldest)
		}
		if cursor != "" {
			form.Set("cursor", cursor)
		}

		var resp historyResponse
		if err := c.apiCall(ctx, "conversations.history", form, true, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Messages...)
		c.mu.Lock()
		c.pagination.Pages++
		c.pagination.Messages += len(resp.Messages)
		c.mu.Unlock()

		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			break
		}
	}

	c.logger.Debug("Channel history fetched.",
		zap.String("channel", channel),
		zap.Int("pages", c.Pagination().Pages),
		zap.Int("messages", len(all)))
	return all, nil
}

// FetchThreadReplies pages through conversations.replies for one thread.
func (c *Client) FetchThreadReplies(ctx context.Context, channel, threadTS string) ([]Message, error) {
	c.resetStats("api")

	var all []Message
	cursor := ""
	for page := 0; page < c.maxPages; page++ {
		form := url.Values{"channel": {channel}, "ts": {threadTS}}
		if cursor != "" {
			form.Set("cursor", cursor)
		}

		var resp historyResponse
		if err := c.apiCall(ctx, "conversations.replies", form, true, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Messages...)
		c.mu.Lock()
		c.pagination.Pages++
		c.pagination.Messages += len(resp.Messages)
		c.mu.Unlock()

		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			break
		}
	}
	return all, nil
}

type searchResponse struct {
	Messages struct {
		Matches []Message `json:"matches"`
		Paging  struct {
			Page  int `json:"page"`
			Pages int `json:"pages"`
		} `json:"paging"`
	} `json:"messages"`
}

// SearchMessages pages through search.messages for a query.
func (c *Client) SearchMessages(ctx context.Context, query string) ([]Message, error) {
	c.resetStats("api")

	var all []Message
	for page := 1; page <= c.maxPages; page++ {
		form := url.Values{"query": {query}, "page": {strconv.Itoa(page)}}

		var resp searchResponse
		if err := c.apiCall(ctx, "search.messages", form, true, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Messages.Matches...)
		c.mu.Lock()
		c.pagination.Pages++
		c.pagination.Messages += len(resp.Messages.Matches)
		c.mu.Unlock()

		if resp.Messages.Paging.Pages == 0 || page >= resp.Messages.Paging.Pages {
			break
		}
	}
	return all, nil
}

type userResponse struct {
	User struct {
		Name    string `json:"name"`
		Profile struct {
			RealName    string `json:"real_name"`
			DisplayName string `json:"display_name"`
		} `json:"profile"`
	} `json:"user"`
}

// GetUserInfo resolves a user id to the best available display name.
func (c *Client) GetUserInfo(ctx context.Context, userID string) (string, error) {
	var resp userResponse
	if err := c.apiCall(ctx, "users.info", url.Values{"user": {userID}}, true, &resp); err != nil {
		return "", err
	}
	switch {
	case resp.User.Profile.DisplayName != "":
		return resp.User.Profile.DisplayName, nil
	case resp.User.Profile.RealName != "":
		return resp.User.Profile.RealName, nil
	default:
		return resp.User.Name, nil
	}
}

// PostMessage sends a message. It is not idempotent: a timed-out call may
// have landed, so it is retried only when the policy allows unsafe retries.
func (c *Client) PostMessage(ctx context.Context, channel, text string) error {
	form := url.Values{"channel": {channel}, "text": {text}}
	return c.apiCall(ctx, "chat.postMessage", form, false, nil)
}

// SetChannelTopic replaces the channel topic. Setting the same topic twice is
// harmless, so the call is treated as idempotent.
func (c *Client) SetChannelTopic(ctx context.Context, channel, topic string) error {
	form := url.Values{"channel": {channel}, "topic": {topic}}
	return c.apiCall(ctx, "conversations.setTopic", form, true, nil)
}

type channelInfoResponse struct {
	Channel struct {
		Topic struct {
			Value string `json:"value"`
		} `json:"topic"`
	} `json:"channel"`
}

// GetChannelTopic reads the current channel topic, used for write-back
// verification.
func (c *Client) GetChannelTopic(ctx context.Context, channel string) (string, error) {
	var resp channelInfoResponse
	if err := c.apiCall(ctx, "conversations.info", url.Values{"channel": {channel}}, true, &resp); err != nil {
		return "", err
	}
	return resp.Channel.Topic.Value, nil
}
