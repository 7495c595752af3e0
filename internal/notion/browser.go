// File: internal/notion/browser.go
package notion

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/standup-cli/internal/browser"
	"github.com/xkilldash9x/standup-cli/internal/config"
	"github.com/xkilldash9x/standup-cli/internal/observability"
)

// appendNoteScript focuses the end of the page content so typed keys land in
// a fresh block. Notion creates the block when typing starts.
const appendNoteScript = `(() => {
    const root = document.querySelector('[data-content-editable-root="true"]') ||
                 document.querySelector('.notion-page-content');
    if (!root) return false;
    const blocks = root.querySelectorAll('[data-block-id]');
    const last = blocks.length ? blocks[blocks.length - 1] : root;
    last.scrollIntoView({block: 'end'});
    const leaf = last.querySelector('[contenteditable="true"]') || last;
    leaf.focus();
    const sel = window.getSelection();
    sel.removeAllRanges();
    const range = document.createRange();
    range.selectNodeContents(leaf);
    range.collapse(false);
    sel.addRange(range);
    return true;
})()`

// BrowserClient reads and writes a Notion page through the rendered web
// client. It covers the operations the sync engine needs when no integration
// token is configured: content reads, property reads, and note appends.
type BrowserClient struct {
	runner    *browser.Runner
	extractor *browser.Extractor
	catalog   browser.Catalog
	cfg       config.NotionConfig
	logger    *zap.Logger
	events    *observability.EventLog
}

// NewBrowserClient builds a browser-mode client around one session's runner.
func NewBrowserClient(runner *browser.Runner, cfg config.NotionConfig, logger *zap.Logger, events *observability.EventLog) *BrowserClient {
	return &BrowserClient{
		runner:    runner,
		extractor: browser.NewExtractor(logger),
		catalog:   browser.NotionCatalog,
		cfg:       cfg,
		logger:    logger.Named("notion_browser"),
		events:    events,
	}
}

func (c *BrowserClient) pageURL(pageID string) string {
	if strings.HasPrefix(pageID, "http://") || strings.HasPrefix(pageID, "https://") {
		return pageID
	}
	return "https://www.notion.so/" + strings.ReplaceAll(pageID, "-", "")
}

// GetPageContent reads the visible content blocks of a page.
func (c *BrowserClient) GetPageContent(ctx context.Context, pageID string) ([]Block, error) {
	var blocks []Block
	err := c.runner.WithPage(ctx, c.pageURL(pageID), func(ctx context.Context, page browser.PageDriver) error {
		texts, err := c.extractor.ExtractTexts(ctx, page, c.catalog.ContentBlocks)
		if err != nil {
			return err
		}
		blocks = blocks[:0]
		for _, text := range texts {
			blocks = append(blocks, Block{Type: "paragraph", Text: text})
		}
		return nil
	}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}
	return blocks, nil
}

// GetPageProperty reads one named property value off the rendered page.
// Property rows render as "Name\nValue"; the first row whose name matches
// wins. A missing property is an empty value, not an error.
func (c *BrowserClient) GetPageProperty(ctx context.Context, pageID, property string) (string, error) {
	var value string
	err := c.runner.WithPage(ctx, c.pageURL(pageID), func(ctx context.Context, page browser.PageDriver) error {
		rows, err := c.extractor.ExtractTexts(ctx, page, c.catalog.PropertyRow)
		if err != nil {
			return err
		}
		for _, row := range rows {
			name, rest, found := strings.Cut(row, "\n")
			if !found {
				continue
			}
			if strings.EqualFold(strings.TrimSpace(name), property) {
				value = strings.TrimSpace(rest)
				return nil
			}
		}
		return nil
	}, true)
	if err != nil {
		return "", fmt.Errorf("failed to read property %q: %w", property, err)
	}
	return value, nil
}

// AppendNote types one paragraph at the end of the page content. The
// keyboard path is the only append mechanism the web client exposes; a
// leading newline opens the fresh block the note lands in.
func (c *BrowserClient) AppendNote(ctx context.Context, pageID, text string) error {
	err := c.runner.WithPage(ctx, c.pageURL(pageID), func(ctx context.Context, page browser.PageDriver) error {
		var focused bool
		if err := page.Evaluate(ctx, appendNoteScript, &focused); err != nil {
			return fmt.Errorf("could not focus page content: %w", err)
		}
		if !focused {
			return fmt.Errorf("page content root not found")
		}
		target := `[contenteditable="true"]`
		if err := page.Type(ctx, target, "\n"+text); err != nil {
			return fmt.Errorf("typing note failed: %w", err)
		}
		return nil
	}, true)
	if err != nil {
		return fmt.Errorf("failed to append note: %w", err)
	}
	c.events.Record("notion_note_appended", map[string]any{"page": pageID})
	return nil
}

// focusPropertyScript opens a named property's value cell for editing and
// selects its current contents so typed keys replace them.
const focusPropertyScript = `((name) => {
    const rows = document.querySelectorAll('[data-testid="property"], .property-row');
    for (const row of rows) {
        const text = (row.innerText || '').trim();
        if (!text.toLowerCase().startsWith(name.toLowerCase())) continue;
        const cell = row.querySelector('[data-testid="property-value"], .notion-property-value') || row;
        cell.click();
        const leaf = row.querySelector('[contenteditable="true"]') || cell;
        leaf.focus();
        const sel = window.getSelection();
        sel.removeAllRanges();
        const range = document.createRange();
        range.selectNodeContents(leaf);
        sel.addRange(range);
        return true;
    }
    return false;
})`

// UpdatePageProperty replaces a named property value through the rendered
// editor: open the value cell, select the old contents, type the new value.
func (c *BrowserClient) UpdatePageProperty(ctx context.Context, pageID, property, value string) error {
	err := c.runner.WithPage(ctx, c.pageURL(pageID), func(ctx context.Context, page browser.PageDriver) error {
		script := fmt.Sprintf("%s(%q)", focusPropertyScript, property)
		var focused bool
		if err := page.Evaluate(ctx, script, &focused); err != nil {
			return fmt.Errorf("could not focus property %q: %w", property, err)
		}
		if !focused {
			return fmt.Errorf("property %q not found on page", property)
		}
		if err := page.Type(ctx, `[contenteditable="true"]`, value+"\n"); err != nil {
			return fmt.Errorf("typing property value failed: %w", err)
		}
		return nil
	}, true)
	if err != nil {
		return fmt.Errorf("failed to update property %q: %w", property, err)
	}
	return nil
}

// VerifyNote re-reads the page content and reports whether a block containing
// marker is present. Used for write-back verification.
func (c *BrowserClient) VerifyNote(ctx context.Context, pageID, marker string) (bool, error) {
	blocks, err := c.GetPageContent(ctx, pageID)
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
