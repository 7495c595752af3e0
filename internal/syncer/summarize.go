// File: internal/syncer/summarize.go
package syncer

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xkilldash9x/standup-cli/internal/config"
	"github.com/xkilldash9x/standup-cli/internal/slack"
)

const (
	maxSummaryLines = 20
	maxLineRunes    = 200
)

// Summary is the rendered result of one project sync, ready to fan out to
// its destinations.
type Summary struct {
	RunID        string
	GeneratedAt  time.Time
	MessageCount int
	Participants []string
	NoteText     string
	Stamp        string
	TopicText    string
}

// Summarize reduces fetched messages to the artifacts the destinations
// consume. The note carries the run marker so a later read-back can verify
// the write landed.
func Summarize(project config.ProjectConfig, messages []slack.Message, runID string, now time.Time) Summary {
	byUser := map[string]int{}
	for _, msg := range messages {
		if msg.User != "" {
			byUser[msg.User]++
		}
	}
	participants := make([]string, 0, len(byUser))
	for user := range byUser {
		participants = append(participants, user)
	}
	sort.Strings(participants)

	var b strings.Builder
	fmt.Fprintf(&b, "Standup digest for %s — %s (%s)\n", project.Name, now.UTC().Format("2006-01-02"), RunMarker(runID))
	fmt.Fprintf(&b, "%d update(s) from %d participant(s)\n", len(messages), len(participants))
	for i, msg := range messages {
		if i >= maxSummaryLines {
			fmt.Fprintf(&b, "… and %d more\n", len(messages)-maxSummaryLines)
			break
		}
		line := oneLine(msg.Text)
		if msg.User != "" {
			fmt.Fprintf(&b, "• %s: %s\n", msg.User, line)
		} else {
			fmt.Fprintf(&b, "• %s\n", line)
		}
	}

	return Summary{
		RunID:        runID,
		GeneratedAt:  now,
		MessageCount: len(messages),
		Participants: participants,
		NoteText:     strings.TrimRight(b.String(), "\n"),
		Stamp:        fmt.Sprintf("%s (%s)", now.UTC().Format(time.RFC3339), RunMarker(runID)),
		TopicText:    fmt.Sprintf("Last sync %s · %d update(s)", now.UTC().Format("2006-01-02"), len(messages)),
	}
}

// oneLine flattens a message to a single truncated line.
func oneLine(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxLineRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxLineRunes-1]) + "…"
}
