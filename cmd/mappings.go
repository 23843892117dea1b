package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atrium-data/rationalize/internal/model"
	"github.com/atrium-data/rationalize/internal/resolve"
)

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "Inspect and decide entity mappings",
	Long:  "Commands for listing pending mappings, approving or rejecting them, merging values manually, and reverting merges.",
}

// -- mappings list --

var mappingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mappings pending review",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		et, _ := cmd.Flags().GetString("entity-type")
		pending, err := resolve.NewResolver(st).PendingReviews(ctx, model.EntityType(et))
		if err != nil {
			return eris.Wrap(err, "mappings list")
		}
		if len(pending) == 0 {
			fmt.Fprintln(os.Stderr, "No pending mappings.")
			return nil
		}

		formatMappingsList(os.Stdout, pending)
		return nil
	},
}

func formatMappingsList(w io.Writer, mappings []model.EntityMapping) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tRAW\tCANONICAL\tCONFIDENCE\tSOURCE")
	for _, m := range mappings {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.2f\t%s\n",
			m.ID, m.EntityType, m.RawValue, m.CanonicalValue, m.Confidence, m.Source)
	}
	tw.Flush()
}

// -- mappings approve / reject --

var mappingsApproveCmd = &cobra.Command{
	Use:   "approve <mapping-id>",
	Short: "Approve a pending mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "invalid mapping id %q", args[0])
		}

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		by, _ := cmd.Flags().GetString("by")
		if err := resolve.NewResolver(st).Approve(ctx, id, by); err != nil {
			return eris.Wrap(err, "approve mapping")
		}
		zap.L().Info("mapping approved", zap.Int64("mapping_id", id))
		return nil
	},
}

var mappingsRejectCmd = &cobra.Command{
	Use:   "reject <mapping-id>",
	Short: "Reject a pending mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "invalid mapping id %q", args[0])
		}

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		if err := resolve.NewResolver(st).Reject(ctx, id); err != nil {
			return eris.Wrap(err, "reject mapping")
		}
		zap.L().Info("mapping rejected", zap.Int64("mapping_id", id))
		return nil
	},
}

// -- mappings merge --

var mappingsMergeCmd = &cobra.Command{
	Use:   "merge <canonical> <raw>...",
	Short: "Merge raw values into a canonical value",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		et, _ := cmd.Flags().GetString("entity-type")
		by, _ := cmd.Flags().GetString("by")
		prefix, _ := cmd.Flags().GetBool("prefix")

		mode := model.MatchExact
		if prefix {
			mode = model.MatchPrefix
		}

		audit, err := resolve.NewResolver(st).Merge(ctx, resolve.MergeRequest{
			EntityType: model.EntityType(et),
			Canonical:  args[0],
			RawValues:  args[1:],
			MatchMode:  mode,
			By:         by,
		})
		if err != nil {
			return eris.Wrap(err, "merge")
		}
		zap.L().Info("merged",
			zap.Int64("audit_id", audit.ID),
			zap.String("canonical", audit.CanonicalValue),
			zap.Int("raw_values", len(audit.RawValues)),
		)
		return nil
	},
}

// -- mappings revert --

var mappingsRevertCmd = &cobra.Command{
	Use:   "revert <audit-id>",
	Short: "Revert a past merge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "invalid audit id %q", args[0])
		}

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		ok, err := resolve.NewResolver(st).RevertMerge(ctx, id)
		if err != nil {
			return eris.Wrap(err, "revert merge")
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "Nothing to revert: unknown or already reverted.")
			return nil
		}
		zap.L().Info("merge reverted", zap.Int64("audit_id", id))
		return nil
	},
}

func init() {
	mappingsListCmd.Flags().String("entity-type", "material", "entity type (supplier, material, location, company)")
	mappingsApproveCmd.Flags().String("by", "admin", "reviewer recorded in the audit log")
	mappingsMergeCmd.Flags().String("entity-type", "material", "entity type (supplier, material, location, company)")
	mappingsMergeCmd.Flags().String("by", "admin", "operator recorded in the audit log")
	mappingsMergeCmd.Flags().Bool("prefix", false, "create prefix mappings instead of exact")

	mappingsCmd.AddCommand(mappingsListCmd, mappingsApproveCmd, mappingsRejectCmd, mappingsMergeCmd, mappingsRevertCmd)
	rootCmd.AddCommand(mappingsCmd)
}
