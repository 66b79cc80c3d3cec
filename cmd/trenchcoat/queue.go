package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trenchcoat/enricher/internal/app"
	"github.com/trenchcoat/enricher/internal/config"
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/storage/token"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the enrichment queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add <address>...",
	Short: "Queue tokens for the next batch",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQueueAdd,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued tasks",
	RunE:  runQueueList,
}

var (
	queueSymbol string
	queueTier   int
	queueStatus string
	queueLimit  int
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueListCmd)

	queueAddCmd.Flags().StringVarP(&queueSymbol, "symbol", "s", "", "token ticker (single address only)")
	queueAddCmd.Flags().IntVarP(&queueTier, "tier", "t", 0, "priority tier, lower runs first")
	queueListCmd.Flags().StringVar(&queueStatus, "status", "", "filter by status (pending, in_progress, completed, failed)")
	queueListCmd.Flags().IntVarP(&queueLimit, "limit", "n", 50, "maximum rows")
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	if queueSymbol != "" && len(args) > 1 {
		return fmt.Errorf("--symbol only applies to a single address")
	}
	ctx := context.Background()
	return withApp(ctx, func(a *app.App, _ *config.Config, log *zap.Logger) error {
		for _, addr := range args {
			if err := a.Enqueue(ctx, addr, queueSymbol, queueTier); err != nil {
				return fmt.Errorf("queueing %s: %w", addr, err)
			}
		}
		log.Info("tokens queued", zap.Int("count", len(args)), zap.Int("tier", queueTier))
		fmt.Printf("Queued %d token(s).\n", len(args))
		return nil
	})
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	return withApp(ctx, func(a *app.App, _ *config.Config, log *zap.Logger) error {
		tasks, err := a.Tasks(ctx, token.ListFilter{Status: core.TaskStatus(queueStatus), Limit: queueLimit})
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TOKEN\tSYMBOL\tTIER\tSTATUS\tRETRIES\tLAST ATTEMPT\tERROR\t")
		fmt.Fprintln(w, "-----\t------\t----\t------\t-------\t------------\t-----\t")
		for _, t := range tasks {
			last := "-"
			if !t.LastAttempt.IsZero() {
				last = t.LastAttempt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\t%s\t\n",
				t.TokenID, t.Symbol, t.Tier, t.Status, t.Retries, last, t.LastError)
		}
		w.Flush()

		log.Debug("tasks listed", zap.Int("count", len(tasks)))
		return nil
	})
}
