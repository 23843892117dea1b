package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atrium-data/rationalize/internal/autoresolve"
	"github.com/atrium-data/rationalize/internal/model"
	"github.com/atrium-data/rationalize/internal/resolve"
)

var autoresolveEntityType string

var autoresolveCmd = &cobra.Command{
	Use:   "autoresolve",
	Short: "Cluster similar entity values and merge or queue them for review",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close()

		engine := autoresolve.NewEngine(st, resolve.NewResolver(st), autoresolve.Config{
			AutoMergeThreshold: cfg.Resolution.AutoMergeThreshold,
			ReviewThreshold:    cfg.Resolution.ReviewThreshold,
		})

		var reports []autoresolve.Report
		if autoresolveEntityType != "" {
			report, err := engine.Run(ctx, model.EntityType(autoresolveEntityType))
			if err != nil {
				return eris.Wrap(err, "autoresolve")
			}
			reports = append(reports, *report)
		} else {
			reports, err = engine.RunAll(ctx)
			if err != nil {
				return eris.Wrap(err, "autoresolve")
			}
		}

		for _, r := range reports {
			zap.L().Info("autoresolve report",
				zap.String("entity_type", string(r.EntityType)),
				zap.Int("clusters", r.Clusters),
				zap.Int("auto_merged", r.AutoMerged),
				zap.Int("pending_review", r.PendingReview),
			)
		}
		return nil
	},
}

func init() {
	autoresolveCmd.Flags().StringVar(&autoresolveEntityType, "entity-type", "", "restrict to one entity type (supplier, material, location, company)")
	rootCmd.AddCommand(autoresolveCmd)
}
