package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atrium-data/rationalize/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>",
	Short: "Ingest extraction JSON from a file or directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := args[0]

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close()

		svc := ingest.NewService(st, cfg.Ingest.MaxConcurrent)

		info, err := os.Stat(path)
		if err != nil {
			return eris.Wrapf(err, "stat %s", path)
		}

		if !info.IsDir() {
			doc, created, err := svc.IngestFile(ctx, path)
			if err != nil {
				return eris.Wrap(err, "ingest file")
			}
			if !created {
				zap.L().Info("already ingested", zap.String("fichier", doc.Filename))
				return nil
			}
			zap.L().Info("ingested",
				zap.String("fichier", doc.Filename),
				zap.Int64("document_id", doc.ID),
				zap.Int("lignes", len(doc.Lines)),
			)
			return nil
		}

		report, err := svc.IngestDir(ctx, path)
		if err != nil {
			return eris.Wrap(err, "ingest directory")
		}
		for _, f := range report.Files {
			if f.Status == ingest.StatusError {
				zap.L().Warn("file failed", zap.String("file", f.File), zap.String("error", f.Error))
			}
		}
		zap.L().Info("ingestion complete",
			zap.String("batch_id", report.BatchID),
			zap.Int("ingested", report.Ingested),
			zap.Int("skipped", report.Skipped),
			zap.Int("errors", report.Errors),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
