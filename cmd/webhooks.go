package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/crm-sync/internal/dedup"
	"github.com/sells-group/crm-sync/internal/resilience"
	"github.com/sells-group/crm-sync/internal/retention"
	"github.com/sells-group/crm-sync/internal/segment"
	"github.com/sells-group/crm-sync/internal/webhook"
)

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Operate on webhook events",
}

var webhooksReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay due dead-lettered webhook events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("sync"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := loadNormalizer()
		if err != nil {
			return err
		}
		src, err := initUpstream(n)
		if err != nil {
			return err
		}

		errType, _ := cmd.Flags().GetString("error-type")
		objectID, _ := cmd.Flags().GetString("object-id")
		limit, _ := cmd.Flags().GetInt("limit")

		proc := webhook.NewProcessor(src, n,
			dedup.NewResolver(st),
			retention.NewEngine(st),
			segment.NewMaterializer(st),
			st,
			webhook.Config{DLQRetries: cfg.Webhook.DLQRetries},
		)
		report, err := proc.Replay(ctx, st, resilience.DLQFilter{
			ErrorType: errType,
			ObjectID:  objectID,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "webhooks replay")
		}
		printJSON(report)
		return nil
	},
}

func init() {
	webhooksReplayCmd.Flags().String("error-type", "", "only replay transient or permanent failures")
	webhooksReplayCmd.Flags().String("object-id", "", "only replay events for this upstream object")
	webhooksReplayCmd.Flags().Int("limit", 100, "maximum entries to replay")

	webhooksCmd.AddCommand(webhooksReplayCmd)
	rootCmd.AddCommand(webhooksCmd)
}
