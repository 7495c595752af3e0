// File: internal/syncer/engine_test.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/standup-cli/internal/config"
	"github.com/xkilldash9x/standup-cli/internal/ledger"
	"github.com/xkilldash9x/standup-cli/internal/slack"
)

// -- Fakes --

type fakeSource struct {
	mu      sync.Mutex
	history map[string][]slack.Message
	replies map[string][]slack.Message
	failing map[string]error
	topics  map[string]string
	fetches int
	pages   int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		history: map[string][]slack.Message{},
		replies: map[string][]slack.Message{},
		failing: map[string]error{},
		topics:  map[string]string{},
		pages:   1,
	}
}

func (s *fakeSource) FetchChannelHistory(ctx context.Context, channel, oldest string) ([]slack.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if err := s.failing[channel]; err != nil {
		return nil, err
	}
	return s.history[channel], nil
}

func (s *fakeSource) FetchThreadReplies(ctx context.Context, channel, threadTS string) ([]slack.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replies[threadTS], nil
}

func (s *fakeSource) SearchMessages(ctx context.Context, query string) ([]slack.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	return s.history["search:"+query], nil
}

func (s *fakeSource) SetChannelTopic(ctx context.Context, channel, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[channel] = topic
	return nil
}

func (s *fakeSource) GetChannelTopic(ctx context.Context, channel string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics[channel], nil
}

func (s *fakeSource) Pagination() slack.PaginationStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slack.PaginationStats{Method: "api", Pages: s.pages}
}

type fakeTarget struct {
	mu         sync.Mutex
	notes      map[string][]string
	props      map[string]string
	appendErr  error
	dropWrites bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{notes: map[string][]string{}, props: map[string]string{}}
}

func (t *fakeTarget) GetPageProperty(ctx context.Context, pageID, property string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.props[pageID+"/"+property], nil
}

func (t *fakeTarget) UpdatePageProperty(ctx context.Context, pageID, property, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dropWrites {
		t.props[pageID+"/"+property] = value
	}
	return nil
}

func (t *fakeTarget) AppendNote(ctx context.Context, pageID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.appendErr != nil {
		return t.appendErr
	}
	if !t.dropWrites {
		t.notes[pageID] = append(t.notes[pageID], text)
	}
	return nil
}

func (t *fakeTarget) VerifyNote(ctx context.Context, pageID, marker string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, note := range t.notes[pageID] {
		if strings.Contains(note, marker) {
			return true, nil
		}
	}
	return false, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	entries []ledger.Entry
	runs    map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{runs: map[string]bool{}}
}

func (l *fakeLedger) Append(ctx context.Context, entry ledger.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *fakeLedger) HasRunID(ctx context.Context, runID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs[runID], nil
}

func (l *fakeLedger) RecordRunID(ctx context.Context, runID, project string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[runID] = true
	return nil
}

func (l *fakeLedger) Close() {}

func (l *fakeLedger) lastStatus(action string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Action == action {
			return l.entries[i].Status
		}
	}
	return ""
}

func (l *fakeLedger) detail(project, action string) map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Project == project && l.entries[i].Action == action {
			return l.entries[i].Detail
		}
	}
	return nil
}

// -- Helpers --

func testProject() config.ProjectConfig {
	return config.ProjectConfig{
		Name:         "roadmap",
		SlackChannel: "C123",
		NotionPageID: "page-1",
		Since:        24 * time.Hour,
		Destinations: config.DestinationsConfig{
			AuditNote:          true,
			LastSyncedProperty: true,
			ChannelTopic:       true,
		},
	}
}

func testEngine(projects ...config.ProjectConfig) (*Engine, *fakeSource, *fakeTarget, *fakeLedger) {
	cfg := &config.Config{
		Sync: config.SyncConfig{Projects: projects, Idempotency: true, Concurrency: 2},
	}
	source := newFakeSource()
	target := newFakeTarget()
	led := newFakeLedger()
	e := NewEngine(cfg,
		func() ActivitySource { return source },
		func() PageTarget { return target },
		led, zap.NewNop(), nil)
	e.now = func() time.Time { return time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC) }
	return e, source, target, led
}

// -- Tests --

func TestSyncProjectHappyPath(t *testing.T) {
	project := testProject()
	e, source, target, led := testEngine(project)
	source.history["C123"] = []slack.Message{
		{Text: "shipped the importer", User: "ana", TS: "1.1"},
		{Text: "debugging flaky deploys", User: "bo", TS: "1.2"},
	}

	require.NoError(t, e.SyncProject(context.Background(), project))

	runID := ComputeRunID(project, e.now())
	marker := RunMarker(runID)

	// All three destinations received the summary, marker included.
	require.Len(t, target.notes["page-1"], 1)
	assert.Contains(t, target.notes["page-1"][0], marker)
	assert.Contains(t, target.notes["page-1"][0], "shipped the importer")
	assert.Contains(t, target.props["page-1/Last Synced"], marker)
	assert.Contains(t, source.topics["C123"], "2 update(s)")

	assert.Equal(t, "ok", led.lastStatus("sync"))
	done, _ := led.HasRunID(context.Background(), runID)
	assert.True(t, done, "completed run must be registered")
	assert.Equal(t, 1, e.Tracker().Completed())
}

func TestSyncProjectSkipsCompletedRun(t *testing.T) {
	project := testProject()
	e, source, _, led := testEngine(project)
	led.runs[ComputeRunID(project, e.now())] = true

	require.NoError(t, e.SyncProject(context.Background(), project))

	assert.Equal(t, 0, source.fetches, "a completed run must not fetch")
	assert.Equal(t, "run_id_exists", led.lastStatus("sync"))
	assert.Equal(t, 0, e.Tracker().Completed())
}

func TestSyncProjectFoldsInThreadReplies(t *testing.T) {
	project := testProject()
	e, source, target, _ := testEngine(project)
	source.history["C123"] = []slack.Message{
		{Text: "rollout status?", User: "ana", TS: "1.1", ReplyCount: 2},
	}
	source.replies["1.1"] = []slack.Message{
		{Text: "rollout status?", User: "ana", TS: "1.1"}, // parent repeated by the API
		{Text: "done in eu-west", User: "bo", TS: "1.2", ThreadTS: "1.1"},
	}

	require.NoError(t, e.SyncProject(context.Background(), project))

	note := target.notes["page-1"][0]
	assert.Contains(t, note, "done in eu-west")
	assert.Equal(t, 1, strings.Count(note, "rollout status?"), "parent message must not duplicate")
}

func TestSyncProjectNeedsReviewOnFailedVerification(t *testing.T) {
	project := testProject()
	e, source, target, led := testEngine(project)
	source.history["C123"] = []slack.Message{{Text: "update", User: "ana", TS: "1.1"}}
	target.dropWrites = true // writes "succeed" but nothing lands

	require.NoError(t, e.SyncProject(context.Background(), project))

	assert.Equal(t, "needs_review", led.lastStatus("sync"))
	runID := ComputeRunID(project, e.now())
	done, _ := led.HasRunID(context.Background(), runID)
	assert.True(t, done, "an unverified run is still recorded, flagged for review")
}

func TestSyncProjectFetchFailureIsFatal(t *testing.T) {
	project := testProject()
	e, source, target, led := testEngine(project)
	source.failing["C123"] = errors.New("slack unreachable")

	err := e.SyncProject(context.Background(), project)
	require.Error(t, err)
	assert.Empty(t, target.notes, "no destination writes on a failed fetch")
	assert.Equal(t, "failed", led.lastStatus("fetch"))

	done, _ := led.HasRunID(context.Background(), ComputeRunID(project, e.now()))
	assert.False(t, done, "a failed run must not be registered")
}

func TestSyncProjectUsesSearchWhenQueryConfigured(t *testing.T) {
	project := testProject()
	project.Query = "in:#standup"
	e, source, target, _ := testEngine(project)
	source.history["search:in:#standup"] = []slack.Message{{Text: "found via search", User: "ana", TS: "1.1"}}

	require.NoError(t, e.SyncProject(context.Background(), project))
	assert.Contains(t, target.notes["page-1"][0], "found via search")
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	broken := testProject()
	broken.Name = "broken"
	broken.SlackChannel = "CBAD"
	healthy := testProject()
	healthy.Name = "healthy"

	e, source, target, _ := testEngine(broken, healthy)
	source.failing["CBAD"] = errors.New("channel_not_found")
	source.history["C123"] = []slack.Message{{Text: "fine", User: "ana", TS: "1.1"}}

	err := e.SyncAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.NotEmpty(t, target.notes["page-1"], "healthy project must still sync")
	assert.Equal(t, 1, e.Tracker().Completed())
}

func TestSyncAllKeepsClientStatsPerProject(t *testing.T) {
	deep := testProject()
	deep.Name = "deep"
	deep.SlackChannel = "CDEEP"
	shallow := testProject()
	shallow.Name = "shallow"
	shallow.SlackChannel = "CSHALLOW"

	cfg := &config.Config{
		Sync: config.SyncConfig{
			Projects:    []config.ProjectConfig{deep, shallow},
			Idempotency: true,
			Concurrency: 2,
		},
	}

	// One source per factory call; the counters of one project's fetch must
	// never show up in another project's audit trail.
	var mu sync.Mutex
	var sources []*fakeSource
	led := newFakeLedger()
	e := NewEngine(cfg,
		func() ActivitySource {
			s := newFakeSource()
			s.history["CDEEP"] = []slack.Message{{Text: "a", User: "ana", TS: "1.1"}}
			s.history["CSHALLOW"] = []slack.Message{{Text: "b", User: "bo", TS: "1.2"}}
			mu.Lock()
			if len(sources) == 0 {
				s.pages = 3
			}
			sources = append(sources, s)
			mu.Unlock()
			return s
		},
		func() PageTarget { return newFakeTarget() },
		led, zap.NewNop(), nil)
	e.now = func() time.Time { return time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC) }

	require.NoError(t, e.SyncAll(context.Background()))
	require.Len(t, sources, 2, "each project gets its own source client")

	var deepPages, shallowPages int
	for i, s := range sources {
		s.mu.Lock()
		assert.Equal(t, 1, s.fetches, "source %d serves exactly one project", i)
		if len(s.topics["CDEEP"]) > 0 {
			deepPages = s.pages
		}
		if len(s.topics["CSHALLOW"]) > 0 {
			shallowPages = s.pages
		}
		s.mu.Unlock()
	}
	deepDetail := led.detail("deep", "sync")
	shallowDetail := led.detail("shallow", "sync")
	require.NotNil(t, deepDetail)
	require.NotNil(t, shallowDetail)
	assert.Equal(t, deepPages, deepDetail["pages"], "audit reflects deep's own pagination")
	assert.Equal(t, shallowPages, shallowDetail["pages"], "audit reflects shallow's own pagination")
	assert.NotEqual(t, deepDetail["pages"], shallowDetail["pages"])
}

func TestSyncAllNoProjects(t *testing.T) {
	e, _, _, _ := testEngine()
	assert.NoError(t, e.SyncAll(context.Background()))
}

func TestSummarizeTruncatesLongRuns(t *testing.T) {
	var messages []slack.Message
	for i := 0; i < 30; i++ {
		messages = append(messages, slack.Message{Text: fmt.Sprintf("update %d", i), User: "ana"})
	}
	summary := Summarize(config.ProjectConfig{Name: "roadmap"}, messages, "abc123", time.Now())

	assert.Equal(t, 30, summary.MessageCount)
	assert.Contains(t, summary.NoteText, "… and 10 more")
	assert.NotContains(t, summary.NoteText, "update 25")
}

func TestSummarizeParticipantsSorted(t *testing.T) {
	messages := []slack.Message{
		{Text: "x", User: "zoe"},
		{Text: "y", User: "ana"},
		{Text: "z", User: "zoe"},
	}
	summary := Summarize(config.ProjectConfig{Name: "roadmap"}, messages, "abc123", time.Now())
	assert.Equal(t, []string{"ana", "zoe"}, summary.Participants)
}

func TestCompletionTrackerCountsDoubles(t *testing.T) {
	tracker := NewCompletionTracker(zap.NewNop())
	tracker.Complete("a")
	tracker.Complete("b")
	tracker.Complete("a")

	assert.Equal(t, 2, tracker.Completed())
	assert.Equal(t, 1, tracker.Doubles())
}
