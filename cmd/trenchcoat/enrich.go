package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trenchcoat/enricher/internal/app"
	"github.com/trenchcoat/enricher/internal/config"
	"github.com/trenchcoat/enricher/internal/core"
)

var (
	enrichSymbol string
	enrichOutput string
)

var enrichCmd = &cobra.Command{
	Use:   "enrich <address>",
	Short: "Enrich one token now and print the merged record",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnrich,
}

func init() {
	rootCmd.AddCommand(enrichCmd)
	enrichCmd.Flags().StringVarP(&enrichSymbol, "symbol", "s", "", "token ticker, enables symbol-only providers")
	enrichCmd.Flags().StringVarP(&enrichOutput, "output", "o", "table", "output format: table or json")
}

func runEnrich(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, func(a *app.App, _ *config.Config, log *zap.Logger) error {
		rec, err := a.Enrich(ctx, args[0], enrichSymbol)
		if err != nil {
			return err
		}
		log.Info("token enriched",
			zap.String("token", rec.TokenID),
			zap.Float64("completeness", rec.Completeness),
			zap.Strings("sources", rec.Sources),
		)

		if enrichOutput == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		}
		printRecord(rec)
		return nil
	})
}

func printRecord(rec core.UnifiedRecord) {
	fmt.Printf("Token:        %s\n", rec.TokenID)
	if rec.Symbol != "" {
		fmt.Printf("Symbol:       %s\n", rec.Symbol)
	}
	fmt.Printf("Completeness: %.0f%%\n", rec.Completeness*100)
	fmt.Printf("Price check:  %s (spread %.2f%%)\n", rec.PriceConsistency, rec.PriceSpread*100)
	fmt.Printf("Sources:      %s\n", strings.Join(rec.Sources, ", "))
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE\tPROVIDER\t")
	fmt.Fprintln(w, "-----\t-----\t--------\t")
	for _, f := range rec.Tracked {
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", f, fieldValue(rec.Fields, f), rec.Provenance[f])
	}
	w.Flush()

	if len(rec.Failures) > 0 {
		fmt.Println()
		for name, kind := range rec.Failures {
			fmt.Printf("  %s: %s\n", name, kind)
		}
	}
}

func fieldValue(f core.Fields, field core.Field) string {
	if !f.Has(field) {
		return "-"
	}
	switch field {
	case core.FieldPrice:
		return fmt.Sprintf("$%g", *f.Price)
	case core.FieldVolume24h:
		return fmt.Sprintf("$%.0f", *f.Volume24h)
	case core.FieldLiquidity:
		return fmt.Sprintf("$%.0f", *f.Liquidity)
	case core.FieldMarketCap:
		return fmt.Sprintf("$%.0f", *f.MarketCap)
	case core.FieldHolderCount:
		return fmt.Sprintf("%d", *f.HolderCount)
	case core.FieldTopHolderPct:
		return fmt.Sprintf("%.2f%%", *f.TopHolderPct)
	case core.FieldRiskFlags:
		if len(f.RiskFlags) == 0 {
			return "none"
		}
		return strings.Join(f.RiskFlags, ", ")
	case core.FieldSocialFollowers:
		return fmt.Sprintf("%d", *f.SocialFollowers)
	case core.FieldSocialMentions:
		return fmt.Sprintf("%d", *f.SocialMentions)
	}
	return "?"
}
