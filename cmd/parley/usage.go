package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/bootstrap"
	"github.com/parley-voice/parley/internal/cli"
	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/storage"
)

var (
	flagDays   int
	flagUser   string
	flagJSON   bool
	flagRemote string
	flagToken  string
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Daily token usage and cost",
	RunE:  runUsage,
}

func init() {
	usageCmd.Flags().IntVarP(&flagDays, "days", "n", 30, "number of days to include")
	usageCmd.Flags().StringVarP(&flagUser, "user", "u", "", "user ID (defaults to the configured user)")
	usageCmd.Flags().BoolVar(&flagJSON, "json", false, "print rows and totals as JSON")
	usageCmd.Flags().StringVar(&flagRemote, "remote", "", "read from a running server (e.g. http://localhost:8430) instead of the local database")
	usageCmd.Flags().StringVar(&flagToken, "token", "", "bearer token for --remote (defaults to the configured auth token)")
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if flagDays <= 0 {
		return fmt.Errorf("--days must be positive")
	}
	user := flagUser
	if user == "" {
		user = cfg.Usage.UserID
	}

	rows, err := loadUsage(context.Background(), cfg, logger, user)
	if err != nil {
		return fmt.Errorf("load usage: %w", err)
	}

	out := cmd.OutOrStdout()
	if flagJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"data":   rows,
			"totals": bootstrap.SumDaily(rows),
		})
	}

	fmt.Fprintln(out, cli.RenderTitle(fmt.Sprintf("Usage for %s, last %d days", user, flagDays)))
	if len(rows) == 0 {
		fmt.Fprintln(out, "\n  No usage recorded.")
		return nil
	}
	fmt.Fprint(out, cli.RenderTable(cli.UsageTable(rows)))
	return nil
}

func loadUsage(ctx context.Context, cfg *config.Config, logger *zap.Logger, user string) ([]storage.DailySummary, error) {
	if flagRemote != "" {
		token := flagToken
		if token == "" {
			token = cfg.Server.AuthToken
		}
		report, err := cli.NewAPIClient(flagRemote, token).Usage(ctx, flagDays, user)
		if err != nil {
			return nil, err
		}
		return report.Data, nil
	}

	db, err := storage.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	store := storage.NewStore(db, logger)
	defer store.Close()
	return store.DailySummaries(ctx, user, time.Now().AddDate(0, 0, -flagDays))
}
