// File: internal/browser/extract.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Record is the normalized shape of one extracted message or content block.
// Only Text is required; every other field degrades to its zero value when
// the corresponding selector chain misses. API-mode clients produce records
// with the same field contract so downstream code is mode-agnostic.
type Record struct {
	Text       string `json:"text"`
	User       string `json:"user,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Permalink  string `json:"permalink,omitempty"`
	ThreadTS   string `json:"thread_ts,omitempty"`
	ReplyCount int    `json:"reply_count,omitempty"`
}

// Evaluator is the slice of page behavior the extractor needs.
type Evaluator interface {
	Evaluate(ctx context.Context, script string, res any) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) bool
}

// Extractor resolves selector fallback chains against a rendered page and
// pulls structured fields out of matched elements. Every field is attempted
// independently; a missing field yields an empty value, and a record with no
// text is discarded. Requiring all fields, or using a single selector per
// field, would be a functional regression against third-party markup drift.
type Extractor struct {
	logger          *zap.Logger
	selectorTimeout time.Duration
	pollInterval    time.Duration
}

// NewExtractor builds an extractor with the default per-selector timeout.
func NewExtractor(logger *zap.Logger) *Extractor {
	return &Extractor{
		logger:          logger.Named("extractor"),
		selectorTimeout: 2 * time.Second,
		pollInterval:    250 * time.Millisecond,
	}
}

// FindElement tries each selector of the set in order with a bounded
// per-selector timeout and returns the first that became visible. Exhausting
// the chain is reported as not-found, never as an error; the caller decides
// the fallback behavior.
func (e *Extractor) FindElement(ctx context.Context, page Evaluator, set SelectorSet) (string, bool) {
	for _, sel := range set.All() {
		if sel == "" {
			continue
		}
		if page.WaitVisible(ctx, sel, e.selectorTimeout) {
			return sel, true
		}
		e.logger.Debug("Selector missed, trying fallback.",
			zap.String("set", set.Name), zap.String("selector", sel))
	}
	return "", false
}

// WaitForElement keeps re-walking the chain until one selector matches or the
// overall timeout elapses. Sweeps are paced by the poll interval; a sweep that
// returns instantly (dead tab context) must not burn the whole timeout busy.
func (e *Extractor) WaitForElement(ctx context.Context, page Evaluator, set SelectorSet, timeout time.Duration) (string, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if sel, ok := e.FindElement(ctx, page, set); ok {
			return sel, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return "", false
		}
		pause := e.pollInterval
		if pause > remaining {
			pause = remaining
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(pause):
		}
	}
}

// ExtractMessages runs the catalog's field chains over every message
// container on the page and returns the surviving records.
func (e *Extractor) ExtractMessages(ctx context.Context, page Evaluator, cat Catalog) ([]Record, error) {
	script := buildExtractionScript(cat)

	var records []Record
	if err := page.Evaluate(ctx, script, &records); err != nil {
		return nil, fmt.Errorf("message extraction script failed: %w", err)
	}

	out := records[:0]
	for _, rec := range records {
		if strings.TrimSpace(rec.Text) == "" {
			continue
		}
		out = append(out, rec)
	}
	e.logger.Debug("Extracted message records.", zap.Int("count", len(out)))
	return out, nil
}

// ExtractTexts pulls the text of every element matching a chain, first
// non-empty chain wins. Used for content blocks and property values.
func (e *Extractor) ExtractTexts(ctx context.Context, page Evaluator, set SelectorSet) ([]string, error) {
	script := fmt.Sprintf(`(() => {
        const chains = %s;
        for (const s of chains) {
            if (!s) continue;
            let els;
            try { els = document.querySelectorAll(s); } catch (err) { continue; }
            if (!els.length) continue;
            const out = [];
            for (const el of els) {
                const t = (el.innerText || el.textContent || '').trim();
                if (t) out.push(t);
            }
            if (out.length) return out;
        }
        return [];
    })()`, mustJSON(set.All()))

	var texts []string
	if err := page.Evaluate(ctx, script, &texts); err != nil {
		return nil, fmt.Errorf("text extraction failed for %s: %w", set.Name, err)
	}
	return texts, nil
}

// buildExtractionScript renders the per-field fallback chains of a catalog
// into one JavaScript pass over the page.
func buildExtractionScript(cat Catalog) string {
	return fmt.Sprintf(`(() => {
        const first = (root, sels) => {
            for (const s of sels) {
                if (!s) continue;
                try { const el = root.querySelector(s); if (el) return el; } catch (err) {}
            }
            return null;
        };
        const firstAll = (sels) => {
            for (const s of sels) {
                if (!s) continue;
                try { const els = document.querySelectorAll(s); if (els.length) return Array.from(els); } catch (err) {}
            }
            return [];
        };
        const textOf = (el) => el ? (el.innerText || el.textContent || '').trim() : '';

        const out = [];
        for (const el of firstAll(%s)) {
            const text = textOf(first(el, %s));
            if (!text) continue;
            const rec = { text: text };

            const sender = first(el, %s);
            if (sender) { rec.user = textOf(sender); }

            const avatar = first(el, %s);
            if (avatar) {
                const id = avatar.getAttribute('data-user-id') || avatar.getAttribute('alt');
                if (id) { rec.user_id = id; }
            }

            const ts = first(el, %s);
            if (ts) {
                rec.timestamp = ts.getAttribute('data-ts') || ts.getAttribute('aria-label') || textOf(ts);
            }

            const link = first(el, %s);
            if (link && link.href) { rec.permalink = link.href; }

            out.push(rec);
        }
        return out;
    })()`,
		mustJSON(cat.MessageContainer.All()),
		mustJSON(cat.MessageText.All()),
		mustJSON(cat.MessageSender.All()),
		mustJSON(cat.SenderAvatar.All()),
		mustJSON(cat.MessageTimestamp.All()),
		mustJSON(cat.MessagePermalink.All()),
	)
}

func mustJSON(v any) string {
	data, err := stateJSON.Marshal(v)
	if err != nil {
		// Selector chains are static string slices; this cannot fail.
		panic(err)
	}
	return string(data)
}
