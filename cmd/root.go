package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atrium-data/rationalize/internal/config"
	"github.com/atrium-data/rationalize/internal/rules"
	"github.com/atrium-data/rationalize/internal/store"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "rationalize",
	Short: "Entity resolution and correction engine for extracted invoice data",
	Long:  "Ingests PDF extraction JSON, resolves noisy entity names to canonical forms, detects data-quality anomalies, and tracks human corrections.",
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

// openStore builds the configured store and runs migrations.
func openStore(ctx context.Context) (store.Store, error) {
	var st store.Store
	var err error
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DSN, &cfg.Store.Pool)
	default:
		st, err = store.NewSQLite(cfg.Store.DSN)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// ruleSet loads the configured rules file, or derives the default set from
// the rule thresholds in config.
func ruleSet() ([]rules.Rule, error) {
	if cfg.Rules.File != "" {
		return rules.LoadRules(cfg.Rules.File)
	}
	set := rules.DefaultRules()
	for i := range set {
		switch set[i].Type {
		case rules.TypeCalcCoherence:
			set[i].Tolerance = cfg.Rules.CalcTolerance
		case rules.TypeLowConfidence:
			set[i].ConfidenceThreshold = cfg.Rules.ConfidenceThreshold
		case rules.TypeDuplicateDoc:
			set[i].WindowDays = cfg.Rules.DuplicateWindowDays
		case rules.TypePriceDrift:
			set[i].DriftMultiplier = cfg.Rules.PriceDriftMultiplier
			set[i].MinSamples = cfg.Rules.PriceDriftMinSamples
		}
	}
	return set, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
