// File: cmd/sync.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/standup-cli/internal/browser"
	"github.com/xkilldash9x/standup-cli/internal/config"
	"github.com/xkilldash9x/standup-cli/internal/ledger"
	"github.com/xkilldash9x/standup-cli/internal/notion"
	"github.com/xkilldash9x/standup-cli/internal/observability"
	"github.com/xkilldash9x/standup-cli/internal/slack"
	"github.com/xkilldash9x/standup-cli/internal/syncer"
)

// newSyncCmd creates and configures the `sync` command.
func newSyncCmd() *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetches project activity from Slack and syncs summaries to Notion",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their corresponding Viper keys so command-line
			// flags correctly override config file and environment values.
			if err := viper.BindPFlag("sync.concurrency", cmd.Flags().Lookup("concurrency")); err != nil {
				return err
			}
			return viper.BindPFlag("sync.idempotency", cmd.Flags().Lookup("idempotency"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			if headed, _ := cmd.Flags().GetBool("headed"); headed {
				cfg.Browser.Headless = false
			}
			if project, _ := cmd.Flags().GetString("project"); project != "" {
				filtered := cfg.Sync.Projects[:0]
				for _, p := range cfg.Sync.Projects {
					if p.Name == project {
						filtered = append(filtered, p)
					}
				}
				if len(filtered) == 0 {
					return fmt.Errorf("no configured project named %q", project)
				}
				cfg.Sync.Projects = filtered
			}

			components, err := initializeSyncComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown(ctx)
				}
				return fmt.Errorf("failed to initialize sync components: %w", err)
			}
			defer components.Shutdown(ctx)

			if err := components.Engine.SyncAll(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Sync aborted by user signal")
					return fmt.Errorf("sync aborted by user signal")
				}
				return err
			}

			logger.Info("Sync completed",
				zap.Int("completed", components.Engine.Tracker().Completed()),
				zap.Int("duplicate_completions", components.Engine.Tracker().Doubles()))
			return nil
		},
	}

	syncCmd.Flags().String("project", "", "sync only the named project")
	syncCmd.Flags().Int("concurrency", 1, "number of projects synced in parallel")
	syncCmd.Flags().Bool("idempotency", true, "skip runs already recorded in the ledger")
	syncCmd.Flags().Bool("headed", false, "run the browser with a visible window")
	return syncCmd
}

// syncComponents holds everything the sync command wires together, so setup
// failures and shutdown stay in one place.
type syncComponents struct {
	Engine  *syncer.Engine
	Ledger  ledger.Ledger
	Session *browser.Session
	Events  *observability.EventLog
}

// Shutdown releases components in reverse dependency order. Safe to call on
// a partially initialized struct.
func (c *syncComponents) Shutdown(ctx context.Context) {
	if c.Session != nil {
		c.Session.Close()
	}
	if c.Ledger != nil {
		c.Ledger.Close()
	}
	if c.Events != nil {
		c.Events.Close()
	}
}

// initializeSyncComponents builds the ledger, the per-site clients, and the
// engine. Client mode is chosen here, once: a configured token selects the
// API path for that site, and only sites left without a token get the shared
// browser session.
func initializeSyncComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*syncComponents, error) {
	components := &syncComponents{}
	components.Events = observability.OpenEventLog(cfg.Logger.EventLog, logger)

	led, err := ledger.Open(ctx, cfg, logger)
	if err != nil {
		return components, fmt.Errorf("failed to open ledger: %w", err)
	}
	components.Ledger = led

	needBrowser := cfg.Slack.Token == "" || cfg.Notion.Token == ""
	if needBrowser {
		if !cfg.Browser.Enabled {
			return components, fmt.Errorf("no API token configured and browser mode is disabled")
		}
		components.Session = browser.NewSession(&cfg.Browser, logger, components.Events)
		if cfg.Sync.Concurrency > 1 {
			// One browser session handles one page action at a time.
			logger.Info("Browser mode in use; forcing sync.concurrency to 1.",
				zap.Int("requested", cfg.Sync.Concurrency))
			cfg.Sync.Concurrency = 1
		}
	}

	// API-mode factories build a fresh client per project so concurrent syncs
	// keep isolated per-operation stats. Browser mode shares the session-bound
	// client; concurrency is already forced to 1 on that path.
	var newSource syncer.SourceFactory
	if cfg.Slack.Token != "" {
		logger.Info("Using API mode for Slack.")
		newSource = func() syncer.ActivitySource {
			return slack.NewClient(cfg.Slack.Token, cfg.API, cfg.Slack, logger)
		}
	} else {
		logger.Info("Using browser mode for Slack.")
		driver := browser.Driver(components.Session)
		runner := browser.NewRunner(driver, &cfg.Browser, browser.SlackCatalog, logger, components.Events)
		resolver := slack.NewWebTokenResolver(runner, driver, cfg.Slack, &cfg.Browser, logger, components.Events)
		client := slack.NewBrowserClient(resolver, runner, cfg.API, cfg.Slack, logger, components.Events)
		newSource = func() syncer.ActivitySource { return client }
	}

	var newTarget syncer.TargetFactory
	if cfg.Notion.Token != "" {
		logger.Info("Using API mode for Notion.")
		newTarget = func() syncer.PageTarget {
			return notion.NewClient(cfg.Notion.Token, cfg.API, cfg.Notion, logger)
		}
	} else {
		logger.Info("Using browser mode for Notion.")
		runner := browser.NewRunner(browser.Driver(components.Session), &cfg.Browser, browser.NotionCatalog, logger, components.Events)
		client := notion.NewBrowserClient(runner, cfg.Notion, logger, components.Events)
		newTarget = func() syncer.PageTarget { return client }
	}

	components.Engine = syncer.NewEngine(cfg, newSource, newTarget, led, logger, components.Events)
	return components, nil
}

func init() {
	rootCmd.AddCommand(newSyncCmd())
}
