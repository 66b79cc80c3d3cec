package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trenchcoat/enricher/internal/app"
	"github.com/trenchcoat/enricher/internal/config"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List registered providers and their rate limits",
	RunE:  runProviders,
}

func init() {
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, args []string) error {
	return withApp(context.Background(), func(a *app.App, _ *config.Config, log *zap.Logger) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tPRIORITY\tRATE\tBURST\tAVAILABLE\tFIELDS\t")
		fmt.Fprintln(w, "--------\t--------\t----\t-----\t---------\t------\t")
		for _, p := range a.Providers() {
			fields := make([]string, len(p.Capabilities))
			for i, f := range p.Capabilities {
				fields[i] = string(f)
			}
			fmt.Fprintf(w, "%s\t%d\t%.2f/s\t%d\t%.1f\t%s\t\n",
				p.Name, p.Priority, p.Limiter.Rate, p.Limiter.Burst, p.Limiter.Available, strings.Join(fields, ","))
		}
		w.Flush()

		if skipped := a.Skipped(); len(skipped) > 0 {
			fmt.Printf("\nSkipped: %s\n", strings.Join(skipped, ", "))
		}
		log.Debug("providers listed")
		return nil
	})
}
