package main

import (
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/crm-sync/internal/dedup"
	"github.com/sells-group/crm-sync/internal/extract"
	"github.com/sells-group/crm-sync/internal/monitoring"
	"github.com/sells-group/crm-sync/internal/pipeline"
	"github.com/sells-group/crm-sync/internal/segment"
	"github.com/sells-group/crm-sync/internal/store"
)

var syncFromStart bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one bulk extraction from the upstream CRM",
	Long:  "Resumes from the stored cursor (or the start with --from-start), commits pages to the store and records gaps. A complete run is followed by the email dedup pass and a segment refresh.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

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

		syncer := pipeline.NewSyncer(st, src, n,
			dedup.NewResolver(st),
			segment.NewMaterializer(st),
			monitoring.NewAlerter(cfg.Monitoring),
			syncOptions(),
		)

		report, err := syncer.Run(ctx, pipeline.RunOptions{FromStart: syncFromStart})
		if errors.Is(err, store.ErrRunInProgress) {
			return eris.Errorf("a %s sync is already running", src.Name())
		}
		if report != nil {
			printJSON(report)
		}
		return eris.Wrap(err, "sync")
	},
}

func syncOptions() pipeline.Options {
	s := cfg.Sync
	return pipeline.Options{
		Extract: extract.Config{
			PageSize:            s.PageSize,
			SkipSize:            s.SkipSize,
			MaxConsecutiveGaps:  s.MaxConsecutiveGaps,
			MaxRateLimitWaits:   s.MaxRateLimitWaits,
			RateLimitBackoff:    s.RateLimitBackoff,
			RateLimitMaxBackoff: s.RateLimitMaxBackoff,
			TransientRetries:    s.TransientRetries,
			TransientBackoff:    500 * time.Millisecond,
		},
		StaleRunAfter: s.StaleRunAfter,
		DedupAfterRun: s.DedupAfterRun,
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func init() {
	syncCmd.Flags().BoolVar(&syncFromStart, "from-start", false, "ignore the stored cursor and walk the whole listing")
	rootCmd.AddCommand(syncCmd)
}
