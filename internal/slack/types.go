// File: internal/slack/types.go
package slack

// Message is the normalized record for one Slack message. Both the API-mode
// and browser-mode clients produce this shape so downstream code never cares
// which path served a call.
type Message struct {
	Text       string `json:"text"`
	User       string `json:"user,omitempty"`
	TS         string `json:"ts"`
	ThreadTS   string `json:"thread_ts,omitempty"`
	ReplyCount int    `json:"reply_count,omitempty"`
	Permalink  string `json:"permalink,omitempty"`
}

// ClientStats counts per-operation client activity. Counters reset at the
// start of each logical operation and are read by the sync engine for
// structured logging.
type ClientStats struct {
	Calls         int
	Retries       int
	RateLimitHits int
}

// PaginationStats records how one paginated fetch was satisfied.
type PaginationStats struct {
	Method   string
	Pages    int
	Messages int
}
