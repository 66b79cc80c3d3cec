package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/trenchcoat/enricher/internal/config"
)

var (
	cfgFile  string
	envFiles []string
	debug    bool
)

var rootCmd = &cobra.Command{
	Use:   "trenchcoat",
	Short: "Trenchcoat - Solana token enrichment",
	Long: `Trenchcoat fans out to free Solana market data APIs, merges what each
provider knows about a token into one record and scores how complete it is.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(envFiles...)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug mode")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
