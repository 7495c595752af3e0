// File: internal/notion/types.go
package notion

// Page is the normalized shape of one Notion page reference.
type Page struct {
	ID             string `json:"id"`
	URL            string `json:"url,omitempty"`
	LastEditedTime string `json:"last_edited_time,omitempty"`
}

// Block is one content block, reduced to what the sync engine reads back.
type Block struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ClientStats counts per-operation client activity.
type ClientStats struct {
	Calls         int
	Retries       int
	RateLimitHits int
}
