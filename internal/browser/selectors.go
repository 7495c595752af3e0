// File: internal/browser/selectors.go
package browser

// SelectorSet is an ordered fallback chain of DOM query strings for one
// semantic target. Callers always try Primary first, then Fallbacks in order,
// and stop at the first match. Selector sets are pure data and are never
// mutated at runtime.
type SelectorSet struct {
	Name      string
	Primary   string
	Fallbacks []string
}

// All returns the full chain in attempt order: [primary, fallbacks...].
func (s SelectorSet) All() []string {
	out := make([]string, 0, 1+len(s.Fallbacks))
	out = append(out, s.Primary)
	out = append(out, s.Fallbacks...)
	return out
}

// Empty reports whether the set has no selectors at all.
func (s SelectorSet) Empty() bool {
	return s.Primary == "" && len(s.Fallbacks) == 0
}

// Catalog names every semantic DOM target the browser-mode path needs for one
// site. The redundancy is the load-bearing resilience mechanism against
// third-party markup drift; fields a site doesn't need stay zero.
type Catalog struct {
	// ReadyIndicators marks the application shell as loaded and authenticated.
	ReadyIndicators SelectorSet
	// LoginURLPatterns are URL substrings that identify a login/redirect page.
	LoginURLPatterns []string
	// LoggedInIndicator confirms a completed interactive login.
	LoggedInIndicator SelectorSet

	MessageContainer SelectorSet
	MessageText      SelectorSet
	MessageSender    SelectorSet
	SenderAvatar     SelectorSet
	MessageTimestamp SelectorSet
	MessagePermalink SelectorSet

	ContentBlocks SelectorSet
	PropertyRow   SelectorSet
	PropertyValue SelectorSet
}

// Slack web client selectors. These change between Slack releases; update
// here when browser-mode scraping breaks.
var SlackCatalog = Catalog{
	ReadyIndicators: SelectorSet{
		Name:    "slack_ready",
		Primary: `[data-qa="message_pane"]`,
		Fallbacks: []string{
			`.p-workspace__primary_view`,
			`.p-message_pane`,
		},
	},
	LoginURLPatterns: []string{"/signin", "/workspace-signin", "slack.com/ssb/signin_redirect"},
	LoggedInIndicator: SelectorSet{
		Name:    "slack_logged_in",
		Primary: `[data-qa="team_menu_trigger"]`,
		Fallbacks: []string{
			`.p-ia4_top_nav`,
			`[data-qa="channel_sidebar"]`,
		},
	},
	MessageContainer: SelectorSet{
		Name:    "slack_message",
		Primary: `[data-qa="virtual-list-item"] .c-message_kit__background`,
		Fallbacks: []string{
			`.c-virtual_list__item [role="message"]`,
			`.c-message_kit__message`,
		},
	},
	MessageText: SelectorSet{
		Name:    "slack_message_text",
		Primary: `[data-qa="message-text"]`,
		Fallbacks: []string{
			`.c-message_kit__blocks`,
			`.p-rich_text_section`,
		},
	},
	MessageSender: SelectorSet{
		Name:    "slack_message_sender",
		Primary: `[data-qa="message_sender_name"]`,
		Fallbacks: []string{
			`.c-message__sender_button`,
			`.c-message_kit__sender`,
		},
	},
	SenderAvatar: SelectorSet{
		Name:    "slack_sender_avatar",
		Primary: `.c-message_kit__avatar img`,
		Fallbacks: []string{
			`[data-qa="message_avatar"] img`,
		},
	},
	MessageTimestamp: SelectorSet{
		Name:    "slack_message_ts",
		Primary: `[data-qa="message_timestamp"]`,
		Fallbacks: []string{
			`.c-timestamp`,
			`a.c-link--timestamp`,
		},
	},
	MessagePermalink: SelectorSet{
		Name:    "slack_message_permalink",
		Primary: `a.c-timestamp[href*="/archives/"]`,
		Fallbacks: []string{
			`a[href*="/archives/"]`,
		},
	},
}

// Notion web client selectors.
var NotionCatalog = Catalog{
	ReadyIndicators: SelectorSet{
		Name:    "notion_ready",
		Primary: `.notion-topbar`,
		Fallbacks: []string{
			`.notion-frame`,
			`.notion-page-content`,
		},
	},
	LoginURLPatterns: []string{"/login", "notion.so/signup"},
	LoggedInIndicator: SelectorSet{
		Name:    "notion_logged_in",
		Primary: `.notion-sidebar`,
		Fallbacks: []string{
			`.notion-topbar`,
		},
	},
	ContentBlocks: SelectorSet{
		Name:    "notion_content_blocks",
		Primary: `.notion-page-content [data-block-id]`,
		Fallbacks: []string{
			`.notion-page-content .notion-selectable`,
			`[data-content-editable-root="true"] > div`,
		},
	},
	PropertyRow: SelectorSet{
		Name:    "notion_property_row",
		Primary: `.notion-page-controls [data-testid="property"]`,
		Fallbacks: []string{
			`.notion-collection_view-block [data-testid="property"]`,
			`.notion-page-block .property-row`,
		},
	},
	PropertyValue: SelectorSet{
		Name:    "notion_property_value",
		Primary: `[data-testid="property-value"]`,
		Fallbacks: []string{
			`.notion-property-value`,
			`.notion-focusable-within`,
		},
	},
	// Notion message-ish fields are unused; browser mode only reads page
	// content and properties there.
	MessageText: SelectorSet{
		Name:    "notion_block_text",
		Primary: `[data-content-editable-leaf="true"]`,
		Fallbacks: []string{
			`.notranslate`,
		},
	},
}
