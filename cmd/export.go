package main

import (
	"os"
	"strconv"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atrium-data/rationalize/internal/model"
	"github.com/atrium-data/rationalize/internal/store"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export data to CSV",
}

type anomalyRow struct {
	DocumentID  int64  `csv:"document_id"`
	LineID      string `csv:"ligne_id"`
	RuleID      string `csv:"regle_id"`
	RuleType    string `csv:"type_anomalie"`
	Severity    string `csv:"severite"`
	Description string `csv:"description"`
	Expected    string `csv:"valeur_attendue"`
	Found       string `csv:"valeur_trouvee"`
	DetectedAt  string `csv:"detected_at"`
}

var exportAnomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "Export current anomalies to CSV",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		severity, _ := cmd.Flags().GetString("severity")
		anomalies, err := st.Anomalies(ctx, store.AnomalyFilter{Severity: model.Severity(severity)})
		if err != nil {
			return eris.Wrap(err, "load anomalies")
		}

		rows := make([]anomalyRow, 0, len(anomalies))
		for _, a := range anomalies {
			row := anomalyRow{
				DocumentID:  a.DocumentID,
				RuleID:      a.RuleID,
				RuleType:    a.RuleType,
				Severity:    string(a.Severity),
				Description: a.Description,
				Expected:    a.Expected,
				Found:       a.Found,
				DetectedAt:  a.DetectedAt.Format(time.RFC3339),
			}
			if a.LineID != nil {
				row.LineID = formatID(*a.LineID)
			}
			rows = append(rows, row)
		}
		return writeCSV(exportOut, rows, len(rows))
	},
}

type correctionRow struct {
	LineID      int64  `csv:"ligne_id"`
	DocumentID  int64  `csv:"document_id"`
	Field       string `csv:"champ"`
	OldValue    string `csv:"ancienne_valeur"`
	NewValue    string `csv:"nouvelle_valeur"`
	Status      string `csv:"status"`
	CorrectedBy string `csv:"corrige_par"`
	CorrectedAt string `csv:"corrige_at"`
}

var exportCorrectionsCmd = &cobra.Command{
	Use:   "corrections",
	Short: "Export the correction history to CSV",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		corrections, err := st.Corrections(ctx, nil)
		if err != nil {
			return eris.Wrap(err, "load corrections")
		}

		rows := make([]correctionRow, 0, len(corrections))
		for _, c := range corrections {
			rows = append(rows, correctionRow{
				LineID:      c.LineID,
				DocumentID:  c.DocumentID,
				Field:       string(c.Field),
				OldValue:    deref(c.OldValue),
				NewValue:    deref(c.NewValue),
				Status:      string(c.Status),
				CorrectedBy: c.CorrectedBy,
				CorrectedAt: c.CorrectedAt.Format(time.RFC3339),
			})
		}
		return writeCSV(exportOut, rows, len(rows))
	},
}

func writeCSV(path string, rows any, count int) error {
	data, err := csvutil.Marshal(rows)
	if err != nil {
		return eris.Wrap(err, "marshal csv")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "write %s", path)
	}
	zap.L().Info("exported", zap.String("file", path), zap.Int("rows", count))
	return nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func init() {
	exportCmd.PersistentFlags().StringVar(&exportOut, "out", "export.csv", "output CSV path")
	exportAnomaliesCmd.Flags().String("severity", "", "filter by severity (info, warning, critical)")
	exportCmd.AddCommand(exportAnomaliesCmd, exportCorrectionsCmd)
	rootCmd.AddCommand(exportCmd)
}
