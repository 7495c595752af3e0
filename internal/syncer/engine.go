// File: internal/syncer/engine.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/standup-cli/internal/config"
	"github.com/xkilldash9x/standup-cli/internal/ledger"
	"github.com/xkilldash9x/standup-cli/internal/observability"
	"github.com/xkilldash9x/standup-cli/internal/slack"
)

// lastSyncedProperty is the Notion property the stamp destination writes.
const lastSyncedProperty = "Last Synced"

// ActivitySource is the Slack surface the engine reads from and writes to.
// Both the API-mode and browser-mode clients satisfy it; the engine never
// knows which one it holds.
type ActivitySource interface {
	FetchChannelHistory(ctx context.Context, channel, oldest string) ([]slack.Message, error)
	FetchThreadReplies(ctx context.Context, channel, threadTS string) ([]slack.Message, error)
	SearchMessages(ctx context.Context, query string) ([]slack.Message, error)
	SetChannelTopic(ctx context.Context, channel, topic string) error
	GetChannelTopic(ctx context.Context, channel string) (string, error)
	Pagination() slack.PaginationStats
}

// PageTarget is the Notion surface the engine writes summaries to. Both
// client modes satisfy it.
type PageTarget interface {
	GetPageProperty(ctx context.Context, pageID, property string) (string, error)
	UpdatePageProperty(ctx context.Context, pageID, property, value string) error
	AppendNote(ctx context.Context, pageID, text string) error
	VerifyNote(ctx context.Context, pageID, marker string) (bool, error)
}

// SourceFactory yields the ActivitySource for one project sync. API-mode
// factories return a fresh client per call so concurrent projects never share
// per-operation counters; the browser-mode factory returns the session-bound
// client, which runs with concurrency 1.
type SourceFactory func() ActivitySource

// TargetFactory yields the PageTarget for one project sync, under the same
// isolation contract as SourceFactory.
type TargetFactory func() PageTarget

// Engine runs project syncs end to end.
type Engine struct {
	cfg       *config.Config
	newSource SourceFactory
	newTarget TargetFactory
	ledger    ledger.Ledger
	tracker   *CompletionTracker
	logger    *zap.Logger
	events    *observability.EventLog

	// now is a seam for deterministic run ids in tests.
	now func() time.Time
}

// NewEngine wires the engine to its client factories and ledger.
func NewEngine(cfg *config.Config, newSource SourceFactory, newTarget TargetFactory, led ledger.Ledger, logger *zap.Logger, events *observability.EventLog) *Engine {
	return &Engine{
		cfg:       cfg,
		newSource: newSource,
		newTarget: newTarget,
		ledger:    led,
		tracker:   NewCompletionTracker(logger),
		logger:    logger.Named("syncer"),
		events:    events,
		now:       time.Now,
	}
}

// Tracker exposes completion counters for reporting.
func (e *Engine) Tracker() *CompletionTracker { return e.tracker }

// SyncAll syncs every configured project with bounded concurrency. Projects
// fail independently: one broken project never stops the others, and the
// aggregated error names each failure.
func (e *Engine) SyncAll(ctx context.Context) error {
	projects := e.cfg.Sync.Projects
	if len(projects) == 0 {
		e.logger.Warn("No projects configured, nothing to sync.")
		return nil
	}

	var (
		mu       sync.Mutex
		failures []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Sync.Concurrency)

	for _, project := range projects {
		project := project
		g.Go(func() error {
			if err := e.SyncProject(gctx, project); err != nil {
				e.logger.Error("Project sync failed.",
					zap.String("project", project.Name), zap.Error(err))
				mu.Lock()
				failures = append(failures, fmt.Errorf("project %s: %w", project.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("Sync run finished.",
		zap.Int("projects", len(projects)),
		zap.Int("completed", e.tracker.Completed()),
		zap.Int("failed", len(failures)))
	return errors.Join(failures...)
}

// SyncProject runs one project sync: idempotency check, fetch, summarize,
// write destinations with read-back verification, record the run.
func (e *Engine) SyncProject(ctx context.Context, project config.ProjectConfig) error {
	source := e.newSource()
	target := e.newTarget()
	now := e.now().UTC()
	runID := ComputeRunID(project, now)
	log := e.logger.With(zap.String("project", project.Name), zap.String("run_id", runID[:12]))

	if e.cfg.Sync.Idempotency {
		done, err := e.ledger.HasRunID(ctx, runID)
		if err != nil {
			return fmt.Errorf("idempotency check failed: %w", err)
		}
		if done {
			log.Info("Run already completed, skipping.")
			e.events.Record("run_id_exists", map[string]any{"project": project.Name, "run_id": runID})
			return e.ledger.Append(ctx, ledger.Entry{
				RunID: runID, Project: project.Name,
				Action: "sync", Status: "run_id_exists",
			})
		}
	}

	messages, err := e.fetch(ctx, source, project, now)
	if err != nil {
		e.audit(ctx, runID, project.Name, "fetch", "failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("fetch failed: %w", err)
	}
	pagination := source.Pagination()
	log.Info("Activity fetched.",
		zap.Int("messages", len(messages)),
		zap.String("method", pagination.Method),
		zap.Int("pages", pagination.Pages))

	summary := Summarize(project, messages, runID, now)
	needsReview := e.writeDestinations(ctx, source, target, project, summary, log)

	status := "ok"
	if needsReview {
		status = "needs_review"
	}
	e.audit(ctx, runID, project.Name, "sync", status, map[string]any{
		"messages":     summary.MessageCount,
		"participants": len(summary.Participants),
		"method":       pagination.Method,
		"pages":        pagination.Pages,
	})

	if e.cfg.Sync.Idempotency {
		if err := e.ledger.RecordRunID(ctx, runID, project.Name); err != nil {
			return fmt.Errorf("failed to record run id: %w", err)
		}
	}
	e.tracker.Complete(project.Name)
	return nil
}

// fetch pulls the project's activity: a search query when configured,
// channel history otherwise, with thread replies folded in.
func (e *Engine) fetch(ctx context.Context, source ActivitySource, project config.ProjectConfig, now time.Time) ([]slack.Message, error) {
	if project.Query != "" {
		return source.SearchMessages(ctx, project.Query)
	}

	oldest := ""
	if project.Since > 0 {
		oldest = fmt.Sprintf("%d.000000", now.Add(-project.Since).Unix())
	}
	messages, err := source.FetchChannelHistory(ctx, project.SlackChannel, oldest)
	if err != nil {
		return nil, err
	}

	for _, msg := range messages {
		if msg.ReplyCount == 0 {
			continue
		}
		replies, rerr := source.FetchThreadReplies(ctx, project.SlackChannel, msg.TS)
		if rerr != nil {
			// Threads are enrichment; the channel fetch already succeeded.
			e.logger.Warn("Thread fetch failed.",
				zap.String("project", project.Name), zap.String("ts", msg.TS), zap.Error(rerr))
			continue
		}
		for _, reply := range replies {
			if reply.TS == msg.TS {
				continue
			}
			messages = append(messages, reply)
		}
	}
	return messages, nil
}

// writeDestinations fans the summary out to every enabled destination and
// verifies each write by reading it back. A failed or unverified write marks
// the run for review instead of failing it; the activity was fetched and the
// remaining destinations still deserve their copy.
func (e *Engine) writeDestinations(ctx context.Context, source ActivitySource, target PageTarget, project config.ProjectConfig, summary Summary, log *zap.Logger) bool {
	needsReview := false
	dest := project.Destinations

	if dest.AuditNote && project.NotionPageID != "" {
		if err := target.AppendNote(ctx, project.NotionPageID, summary.NoteText); err != nil {
			log.Error("Audit note write failed.", zap.Error(err))
			needsReview = true
		} else if ok, err := target.VerifyNote(ctx, project.NotionPageID, RunMarker(summary.RunID)); err != nil || !ok {
			log.Warn("Audit note verification failed.", zap.Bool("found", ok), zap.Error(err))
			needsReview = true
		}
	}

	if dest.LastSyncedProperty && project.NotionPageID != "" {
		if err := target.UpdatePageProperty(ctx, project.NotionPageID, lastSyncedProperty, summary.Stamp); err != nil {
			log.Error("Stamp property write failed.", zap.Error(err))
			needsReview = true
		} else if got, err := target.GetPageProperty(ctx, project.NotionPageID, lastSyncedProperty); err != nil || !strings.Contains(got, RunMarker(summary.RunID)) {
			log.Warn("Stamp property verification failed.", zap.String("got", got), zap.Error(err))
			needsReview = true
		}
	}

	if dest.ChannelTopic && project.SlackChannel != "" {
		if err := source.SetChannelTopic(ctx, project.SlackChannel, summary.TopicText); err != nil {
			log.Error("Channel topic write failed.", zap.Error(err))
			needsReview = true
		} else if got, err := source.GetChannelTopic(ctx, project.SlackChannel); err != nil || got != summary.TopicText {
			log.Warn("Channel topic verification failed.", zap.String("got", got), zap.Error(err))
			needsReview = true
		}
	}

	return needsReview
}

// audit appends a ledger entry, logging instead of failing when the append
// itself breaks: the sync outcome should not depend on audit bookkeeping.
func (e *Engine) audit(ctx context.Context, runID, project, action, status string, detail map[string]any) {
	err := e.ledger.Append(ctx, ledger.Entry{
		RunID: runID, Project: project,
		Action: action, Status: status, Detail: detail,
	})
	if err != nil {
		e.logger.Error("Failed to append audit entry.",
			zap.String("project", project), zap.Error(err))
	}
	e.events.Record("audit_"+action, map[string]any{"project": project, "status": status})
}
