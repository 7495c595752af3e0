// File: cmd/login.go
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/standup-cli/internal/browser"
	"github.com/xkilldash9x/standup-cli/internal/config"
	"github.com/xkilldash9x/standup-cli/internal/observability"
)

// newLoginCmd creates the `login` command: open a headed browser, let the
// operator sign in, persist the storage state for later headless runs.
func newLoginCmd() *cobra.Command {
	loginCmd := &cobra.Command{
		Use:   "login [slack|notion]",
		Short: "Opens a browser to sign in and saves the session for headless use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			// Login is interactive by definition.
			cfg.Browser.Headless = false
			cfg.Browser.InteractiveLogin = true

			site := strings.ToLower(args[0])
			var catalog browser.Catalog
			var loginURL string
			switch site {
			case "slack":
				catalog = browser.SlackCatalog
				loginURL = cfg.Slack.WorkspaceURL
				if loginURL == "" {
					return fmt.Errorf("slack.workspace_url must be configured for slack login")
				}
			case "notion":
				catalog = browser.NotionCatalog
				loginURL = "https://www.notion.so/login"
			default:
				return fmt.Errorf("unknown site %q, expected slack or notion", site)
			}

			events := observability.OpenEventLog(cfg.Logger.EventLog, logger)
			defer events.Close()
			session := browser.NewSession(&cfg.Browser, logger, events)
			defer session.Close()

			page, err := session.NewPage(ctx, loginURL)
			if err != nil {
				return fmt.Errorf("failed to open login page: %w", err)
			}
			defer page.Close()

			logger.Info("Waiting for login to complete in the browser window.",
				zap.String("site", site),
				zap.Duration("timeout", cfg.Browser.InteractiveLoginTimeout))
			waitCtx, cancel := context.WithTimeout(ctx, cfg.Browser.InteractiveLoginTimeout)
			defer cancel()

			extractor := browser.NewExtractor(logger)
			if _, ok := extractor.WaitForElement(waitCtx, page, catalog.LoggedInIndicator, cfg.Browser.InteractiveLoginTimeout); !ok {
				return fmt.Errorf("login did not complete within %s", cfg.Browser.InteractiveLoginTimeout)
			}

			if err := session.SaveStorageState(ctx, page); err != nil {
				return fmt.Errorf("failed to save session state: %w", err)
			}
			logger.Info("Login session saved.",
				zap.String("site", site),
				zap.String("path", cfg.Browser.StorageStatePath))
			return nil
		},
	}
	return loginCmd
}

func init() {
	rootCmd.AddCommand(newLoginCmd())
}
