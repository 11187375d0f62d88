package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/dedup"
	"github.com/sells-group/crm-sync/internal/segment"
)

var dedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Run the secondary email-group dedup pass",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := dedup.NewResolver(st).SecondaryPass(ctx)
		if err != nil {
			return eris.Wrap(err, "dedup")
		}
		printJSON(report)

		if report.Deleted > 0 {
			if _, err := segment.NewMaterializer(st).RefreshAll(ctx); err != nil {
				zap.L().Warn("segment refresh after dedup failed", zap.Error(err))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dedupCmd)
}
