package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atrium-data/rationalize/internal/model"
	"github.com/atrium-data/rationalize/internal/rules"
)

var detectDocumentID int64

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run anomaly detection over ingested documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close()

		set, err := ruleSet()
		if err != nil {
			return eris.Wrap(err, "load rules")
		}

		scope := model.GlobalScope()
		if detectDocumentID > 0 {
			scope = model.DocumentScope(detectDocumentID)
		}

		anomalies, err := rules.NewEngine(st, set).Detect(ctx, scope)
		if err != nil {
			return eris.Wrap(err, "detect")
		}

		bySeverity := map[model.Severity]int{}
		for _, a := range anomalies {
			bySeverity[a.Severity]++
		}
		zap.L().Info("detection complete",
			zap.Int("anomalies", len(anomalies)),
			zap.Int("critical", bySeverity[model.SeverityCritical]),
			zap.Int("warning", bySeverity[model.SeverityWarning]),
			zap.Int("info", bySeverity[model.SeverityInfo]),
		)
		return nil
	},
}

func init() {
	detectCmd.Flags().Int64Var(&detectDocumentID, "document", 0, "restrict detection to one document id")
	rootCmd.AddCommand(detectCmd)
}
