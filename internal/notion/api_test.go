// File: internal/notion/api_test.go
package notion

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/standup-cli/internal/config"
)

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		RequestTimeout: 5 * time.Second,
		MaxRetries:     3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
	}
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	notionCfg := config.NotionConfig{BaseURL: server.URL, Version: "2022-06-28", MaxPages: 20}
	return NewClient("secret_test", testAPIConfig(), notionCfg, zap.NewNop())
}

func TestRequestHeaders(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret_test", r.Header.Get("Authorization"))
		assert.Equal(t, "2022-06-28", r.Header.Get("Notion-Version"))
		w.Write([]byte(`{"object":"page","id":"p1","url":"https://notion.so/p1"}`))
	})
	c := testClient(t, handler)

	page, err := c.GetPage(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", page.ID)
	assert.Equal(t, "https://notion.so/p1", page.URL)
}

func TestUpdatePagePropertyBody(t *testing.T) {
	var body map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/v1/pages/p1", r.URL.Path)
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &body))
		w.Write([]byte(`{"object":"page","id":"p1"}`))
	})
	c := testClient(t, handler)

	require.NoError(t, c.UpdatePageProperty(context.Background(), "p1", "Last Synced", "2026-08-24"))

	props, ok := body["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "Last Synced")
}

func TestGetPagePropertyConcatenatesPages(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("start_cursor") == "" {
			w.Write([]byte(`{"object":"list","results":[{"type":"rich_text","rich_text":{"plain_text":"2026-08-24 "}}],"has_more":true,"next_cursor":"c2"}`))
			return
		}
		w.Write([]byte(`{"object":"list","results":[{"type":"rich_text","rich_text":{"plain_text":"(run:abc)"}}],"has_more":false}`))
	})
	c := testClient(t, handler)

	value, err := c.GetPageProperty(context.Background(), "p1", "prop1")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24 (run:abc)", value)
}

func TestAppendNoteNotRetried(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"object":"error","status":500,"code":"internal_server_error","message":"boom"}`))
	})
	c := testClient(t, handler)

	err := c.AppendNote(context.Background(), "p1", "digest")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "an append that may have landed must not be replayed")
}

func TestRateLimitedThenSuccess(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"object":"error","status":429,"code":"rate_limited","message":"slow down"}`))
			return
		}
		w.Write([]byte(`{"object":"page","id":"p1"}`))
	})
	c := testClient(t, handler)

	_, err := c.GetPage(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, c.Stats().RateLimitHits)
}

func TestUnauthorizedIsAuthFailure(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"object":"error","status":401,"code":"unauthorized","message":"bad token"}`))
	})
	c := testClient(t, handler)

	_, err := c.GetPage(context.Background(), "p1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestListBlockChildrenPaginates(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/blocks/p1/children", r.URL.Path)
		if r.URL.Query().Get("start_cursor") == "" {
			w.Write([]byte(`{"results":[{"id":"b1","type":"paragraph","paragraph":{"rich_text":[{"plain_text":"note one"}]}}],"has_more":true,"next_cursor":"c2"}`))
			return
		}
		w.Write([]byte(`{"results":[{"id":"b2","type":"paragraph","paragraph":{"rich_text":[{"plain_text":"note two "},{"plain_text":"(run:abc)"}]}}],"has_more":false}`))
	})
	c := testClient(t, handler)

	blocks, err := c.ListBlockChildren(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "note one", blocks[0].Text)
	assert.Equal(t, "note two (run:abc)", blocks[1].Text)

	found, err := c.VerifyNote(context.Background(), "p1", "run:abc")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = c.VerifyNote(context.Background(), "p1", "run:zzz")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQueryDatabasePaginates(t *testing.T) {
	var bodies []map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &body))
		bodies = append(bodies, body)
		if _, ok := body["start_cursor"]; !ok {
			w.Write([]byte(`{"results":[{"id":"p1"}],"has_more":true,"next_cursor":"c2"}`))
			return
		}
		w.Write([]byte(`{"results":[{"id":"p2"}],"has_more":false}`))
	})
	c := testClient(t, handler)

	pages, err := c.QueryDatabase(context.Background(), "db1", map[string]any{"property": "Name"})
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Len(t, bodies, 2)
	assert.Equal(t, "c2", bodies[1]["start_cursor"])
	assert.Contains(t, bodies[0], "filter")
}
