package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leadgrid/leadgrid/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "leadgrid",
	Short: "Metered local-business search with deep grid crawling",
	Long:  "Serves cached, credit-billed business searches backed by a grid-subdividing Places crawler. Results are shared across users through a privacy-preserving cache.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
