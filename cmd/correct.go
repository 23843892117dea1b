package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atrium-data/rationalize/internal/correction"
	"github.com/atrium-data/rationalize/internal/model"
)

var correctCmd = &cobra.Command{
	Use:   "correct",
	Short: "Apply and propagate human corrections",
}

// -- correct apply --

var correctApplyCmd = &cobra.Command{
	Use:   "apply <line-id> <field> <new-value>",
	Short: "Correct one field of one line",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		lineID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "invalid line id %q", args[0])
		}

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		by, _ := cmd.Flags().GetString("by")
		svc := correction.NewService(st, cfg.Correction.PropagationThreshold)
		corr, err := svc.Apply(ctx, correction.ApplyRequest{
			LineID:   lineID,
			Field:    model.Field(args[1]),
			NewValue: args[2],
			By:       by,
		})
		if err != nil {
			return eris.Wrap(err, "apply correction")
		}
		zap.L().Info("correction applied",
			zap.Int64("line_id", corr.LineID),
			zap.String("field", string(corr.Field)),
		)
		return nil
	},
}

// -- correct propagate --

var correctPropagateCmd = &cobra.Command{
	Use:   "propagate <field> <raw-value> <new-value>",
	Short: "Apply the same fix to every weak line holding the value",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		by, _ := cmd.Flags().GetString("by")
		svc := correction.NewService(st, cfg.Correction.PropagationThreshold)
		count, err := svc.Propagate(ctx, correction.PropagateRequest{
			Field:    model.Field(args[0]),
			RawValue: args[1],
			NewValue: args[2],
			By:       by,
		})
		if err != nil {
			return eris.Wrap(err, "propagate correction")
		}
		zap.L().Info("correction propagated",
			zap.String("field", args[0]),
			zap.Int("lines_corrected", count),
		)
		return nil
	},
}

// -- correct suggest --

var correctSuggestCmd = &cobra.Command{
	Use:   "suggest <field> <raw-value>",
	Short: "Suggest a fix from past correction history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		svc := correction.NewService(st, cfg.Correction.PropagationThreshold)
		suggestion, err := svc.SuggestFor(ctx, model.Field(args[0]), args[1])
		if err != nil {
			return eris.Wrap(err, "suggest")
		}
		if suggestion == nil {
			fmt.Fprintln(os.Stderr, "No suggestion: the value was never corrected.")
			return nil
		}
		fmt.Println(*suggestion)
		return nil
	},
}

// -- correct delete-line --

var correctDeleteLineCmd = &cobra.Command{
	Use:   "delete-line <line-id>",
	Short: "Soft-delete an extraction line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		lineID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "invalid line id %q", args[0])
		}

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		by, _ := cmd.Flags().GetString("by")
		svc := correction.NewService(st, cfg.Correction.PropagationThreshold)
		if _, err := svc.DeleteLine(ctx, lineID, by, nil); err != nil {
			return eris.Wrap(err, "delete line")
		}
		zap.L().Info("line deleted", zap.Int64("line_id", lineID))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{correctApplyCmd, correctPropagateCmd, correctDeleteLineCmd} {
		c.Flags().String("by", "admin", "author recorded in the correction log")
	}
	correctCmd.AddCommand(correctApplyCmd, correctPropagateCmd, correctSuggestCmd, correctDeleteLineCmd)
	rootCmd.AddCommand(correctCmd)
}
