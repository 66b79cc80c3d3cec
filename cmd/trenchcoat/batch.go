package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trenchcoat/enricher/internal/app"
	"github.com/trenchcoat/enricher/internal/config"
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/metrics"
)

var (
	batchLimit       int
	batchConcurrency int
	batchMetricsAddr string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Enrich pending tokens from the queue",
	RunE:  runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.Flags().IntVarP(&batchLimit, "limit", "n", 0, "maximum tasks to process (default from config)")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "tasks in flight (default from config)")
	batchCmd.Flags().StringVar(&batchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, func(a *app.App, cfg *config.Config, log *zap.Logger) error {
		addr := batchMetricsAddr
		if addr == "" {
			addr = cfg.Metrics.Addr
		}
		if addr != "" && a.Metrics() != nil {
			srv := metrics.NewServer(addr, cfg.Metrics.Path, a.Metrics())
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving metrics", zap.String("addr", addr), zap.String("path", cfg.Metrics.Path))
		}

		stats, err := a.RunBatch(ctx, batchLimit, batchConcurrency, func(s core.BatchStats, task core.EnrichmentTask) {
			log.Info("task finished",
				zap.String("token", task.TokenID),
				zap.String("status", string(task.Status)),
				zap.Int("retries", task.Retries),
				zap.Int("processed", s.Processed),
				zap.Int("total", s.Total),
			)
		})
		if err != nil {
			return err
		}

		if stats.Total == 0 {
			fmt.Println("No pending tasks.")
			return nil
		}
		fmt.Printf("Run %s\n", stats.RunID)
		fmt.Printf("  Processed: %d/%d\n", stats.Processed, stats.Total)
		fmt.Printf("  Succeeded: %d\n", stats.Succeeded)
		fmt.Printf("  Failed:    %d\n", stats.Failed)
		fmt.Printf("  Retries:   %d\n", stats.Retries)
		fmt.Printf("  Elapsed:   %s\n", stats.Elapsed.Round(time.Millisecond))
		for _, id := range stats.FailedTokens {
			fmt.Printf("  failed: %s\n", id)
		}
		return ctx.Err()
	})
}
