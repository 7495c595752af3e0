// File: internal/notion/api.go
package notion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
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

// ErrAuthFailed marks an authentication-class failure against the Notion API.
var ErrAuthFailed = errors.New("notion authentication failed")

const maxResponseBytes = 10 << 20

// retryableErrorCodes are Notion error codes worth another attempt.
var retryableErrorCodes = map[string]bool{
	"rate_limited":          true,
	"internal_server_error": true,
	"service_unavailable":   true,
	"conflict_error":        true,
}

// authErrorCodes mean the integration token is not usable.
var authErrorCodes = map[string]bool{
	"unauthorized":        true,
	"restricted_resource": true,
	"invalid_grant":       true,
}

// Client is the API-mode Notion client: a JSON REST wrapper with the shared
// backoff policy and a versioned API header on every request.
type Client struct {
	httpc    *netutil.Client
	baseURL  string
	token    string
	version  string
	limiter  *rate.Limiter
	policy   netutil.RetryPolicy
	maxPages int
	logger   *zap.Logger

	mu    sync.Mutex
	stats ClientStats
}

// NewClient builds an API-mode client around one integration token.
func NewClient(token string, apiCfg config.APIConfig, notionCfg config.NotionConfig, logger *zap.Logger) *Client {
	limit := rate.Inf
	if apiCfg.RequestsPerSecond > 0 {
		limit = rate.Limit(apiCfg.RequestsPerSecond)
	}
	baseURL := strings.TrimRight(notionCfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	return &Client{
		httpc:   netutil.NewClient(&netutil.ClientConfig{RequestTimeout: apiCfg.RequestTimeout, ForceHTTP2: true, Logger: logger}),
		baseURL: baseURL,
		token:   token,
		version: notionCfg.Version,
		limiter: rate.NewLimiter(limit, 1),
		policy: netutil.RetryPolicy{
			MaxRetries:         apiCfg.MaxRetries,
			BaseDelay:          apiCfg.BaseDelay,
			MaxDelay:           apiCfg.MaxDelay,
			AllowUnsafeRetries: apiCfg.AllowUnsafeRetries,
		},
		maxPages: notionCfg.MaxPages,
		logger:   logger.Named("notion_api"),
	}
}

// Stats returns a snapshot of the call counters.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// apiCall performs one logical Notion API call with retry/backoff. Block
// appends are not idempotent and follow the unsafe-retry policy.
func (c *Client) apiCall(ctx context.Context, method, path string, body any, idempotent bool, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = apiJSON.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s body: %w", path, err)
		}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		c.stats.Calls++
		c.mu.Unlock()

		outcome, serverDelay, err := c.doOnce(ctx, method, path, payload, out)
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
		c.logger.Warn("Retrying Notion API call.",
			zap.String("path", path), zap.Int("attempt", attempt),
			zap.String("outcome", outcome.String()), zap.Duration("delay", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

type apiError struct {
	Object  string `json:"object"`
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) (netutil.Outcome, time.Duration, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return netutil.OutcomeFatal, 0, fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", c.version)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return netutil.OutcomeRetryableNetwork, 0, fmt.Errorf("notion request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return netutil.OutcomeRetryableNetwork, 0, fmt.Errorf("failed to read %s response: %w", path, err)
	}

	if outcome := netutil.ClassifyStatus(resp.StatusCode); outcome != netutil.OutcomeSuccess {
		var apiErr apiError
		_ = apiJSON.Unmarshal(body, &apiErr)
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || authErrorCodes[apiErr.Code]:
			return netutil.OutcomeFatal, 0, fmt.Errorf("notion %s: %s (HTTP %d): %w", path, apiErr.Code, resp.StatusCode, ErrAuthFailed)
		case retryableErrorCodes[apiErr.Code] && outcome == netutil.OutcomeFatal:
			outcome = netutil.OutcomeRetryableServer
		}
		serverDelay, _ := netutil.RetryAfter(resp)
		return outcome, serverDelay, fmt.Errorf("notion %s returned HTTP %d: %s %s", path, resp.StatusCode, apiErr.Code, apiErr.Message)
	}

	if out != nil {
		if err := apiJSON.Unmarshal(body, out); err != nil {
			return netutil.OutcomeFatal, 0, fmt.Errorf("failed to decode %s payload: %w", path, err)
		}
	}
	return netutil.OutcomeSuccess, 0, nil
}

// GetPage retrieves a page reference.
func (c *Client) GetPage(ctx context.Context, pageID string) (*Page, error) {
	var page Page
	if err := c.apiCall(ctx, http.MethodGet, "/v1/pages/"+pageID, nil, true, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

type richText struct {
	PlainText string `json:"plain_text"`
	Text      *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
}

type propertyItemResponse struct {
	Object  string `json:"object"`
	Type    string `json:"type"`
	Results []struct {
		Type     string   `json:"type"`
		RichText richText `json:"rich_text"`
		Title    richText `json:"title"`
	} `json:"results"`
	Date *struct {
		Start string `json:"start"`
	} `json:"date"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

// GetPageProperty reads one property's plain-text value, concatenating
// paginated rich-text fragments.
func (c *Client) GetPageProperty(ctx context.Context, pageID, propertyID string) (string, error) {
	var parts []string
	cursor := ""
	for page := 0; page < c.maxPages; page++ {
		path := "/v1/pages/" + pageID + "/properties/" + propertyID
		if cursor != "" {
			path += "?start_cursor=" + cursor
		}
		var resp propertyItemResponse
		if err := c.apiCall(ctx, http.MethodGet, path, nil, true, &resp); err != nil {
			return "", err
		}
		if resp.Date != nil {
			return resp.Date.Start, nil
		}
		for _, item := range resp.Results {
			switch item.Type {
			case "rich_text":
				parts = append(parts, item.RichText.PlainText)
			case "title":
				parts = append(parts, item.Title.PlainText)
			}
		}
		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	return strings.Join(parts, ""), nil
}

// UpdatePageProperty writes a rich-text property value. Overwriting a
// property with the same value is a no-op server-side, so the call retries
// as idempotent.
func (c *Client) UpdatePageProperty(ctx context.Context, pageID, property, value string) error {
	body := map[string]any{
		"properties": map[string]any{
			property: map[string]any{
				"rich_text": []map[string]any{
					{"text": map[string]string{"content": value}},
				},
			},
		},
	}
	return c.apiCall(ctx, http.MethodPatch, "/v1/pages/"+pageID, body, true, nil)
}

// AppendNote appends one paragraph block to a page. Appends are not
// idempotent: a timed-out call may have landed.
func (c *Client) AppendNote(ctx context.Context, blockID, text string) error {
	body := map[string]any{
		"children": []map[string]any{
			{
				"object": "block",
				"type":   "paragraph",
				"paragraph": map[string]any{
					"rich_text": []map[string]any{
						{"type": "text", "text": map[string]string{"content": text}},
					},
				},
			},
		},
	}
	return c.apiCall(ctx, http.MethodPatch, "/v1/blocks/"+blockID+"/children", body, false, nil)
}

type blockChildrenResponse struct {
	Results []struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Paragraph *struct {
			RichText []richText `json:"rich_text"`
		} `json:"paragraph"`
	} `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

// ListBlockChildren pages through a page's child blocks, reduced to plain
// text. Used for write-back verification of appended notes.
func (c *Client) ListBlockChildren(ctx context.Context, blockID string) ([]Block, error) {
	var blocks []Block
	cursor := ""
	for page := 0; page < c.maxPages; page++ {
		path := "/v1/blocks/" + blockID + "/children"
		if cursor != "" {
			path += "?start_cursor=" + cursor
		}
		var resp blockChildrenResponse
		if err := c.apiCall(ctx, http.MethodGet, path, nil, true, &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.Results {
			block := Block{ID: item.ID, Type: item.Type}
			if item.Paragraph != nil {
				var parts []string
				for _, rt := range item.Paragraph.RichText {
					parts = append(parts, rt.PlainText)
				}
				block.Text = strings.Join(parts, "")
			}
			blocks = append(blocks, block)
		}
		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	return blocks, nil
}

// VerifyNote reports whether any child block of the page contains marker.
// Used for write-back verification of appended notes.
func (c *Client) VerifyNote(ctx context.Context, pageID, marker string) (bool, error) {
	blocks, err := c.ListBlockChildren(ctx, pageID)
	if err != nil {
		return false, err
	}
	for _, block := range blocks {
		if strings.Contains(block.Text, marker) {
			return true, nil
		}
	}
	return false, nil
}

type queryResponse struct {
	Results    []Page `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

// QueryDatabase pages through a database query.
func (c *Client) QueryDatabase(ctx context.Context, databaseID string, filter map[string]any) ([]Page, error) {
	var pages []Page
	cursor := ""
	for page := 0; page < c.maxPages; page++ {
		body := map[string]any{}
		if filter != nil {
			body["filter"] = filter
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var resp queryResponse
		if err := c.apiCall(ctx, http.MethodPost, "/v1/databases/"+databaseID+"/query", body, true, &resp); err != nil {
			return nil, err
		}
		pages = append(pages, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	return pages, nil
}
