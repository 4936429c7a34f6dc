package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "ubem",
	Short: "Building feature resolution and spatial imputation",
	Long:  "Fills building footprint attributes from user files, the building database and OpenStreetMap, then imputes the remaining gaps by kriging, census allocation or derivation rules.",
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
