package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/store"
)

// statusReport is what `status` prints for one source.
type statusReport struct {
	Source   string            `json:"source"`
	Cursor   *model.SyncCursor `json:"cursor,omitempty"`
	Runs     []model.SyncRun   `json:"runs"`
	Gaps     []model.Gap       `json:"recent_gaps"`
	DLQDepth int               `json:"dlq_depth"`
	Segments []model.Segment   `json:"segments"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync cursors, recent runs, dead-letter depth and segment counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		source, _ := cmd.Flags().GetString("source")
		if source == "" {
			source = cfg.Upstream.Provider
		}
		runs, _ := cmd.Flags().GetInt("runs")
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rep, err := collectStatus(ctx, st, source, runs)
		if err != nil {
			return err
		}
		if asJSON {
			printJSON(rep)
			return nil
		}
		formatStatus(os.Stdout, rep)
		return nil
	},
}

func collectStatus(ctx context.Context, st store.Store, source string, runs int) (*statusReport, error) {
	rep := &statusReport{Source: source}
	var err error

	if rep.Cursor, err = st.GetCursor(ctx, source); err != nil {
		return nil, eris.Wrap(err, "status: cursor")
	}
	if rep.Runs, err = st.ListRuns(ctx, store.RunFilter{Source: source, Limit: runs}); err != nil {
		return nil, eris.Wrap(err, "status: runs")
	}
	if rep.Gaps, err = st.ListGaps(ctx, source, 10); err != nil {
		return nil, eris.Wrap(err, "status: gaps")
	}
	if rep.DLQDepth, err = st.CountDLQ(ctx); err != nil {
		return nil, eris.Wrap(err, "status: dlq depth")
	}
	if rep.Segments, err = st.ListSegments(ctx); err != nil {
		return nil, eris.Wrap(err, "status: segments")
	}
	return rep, nil
}

func formatStatus(w io.Writer, rep *statusReport) {
	fmt.Fprintf(w, "Source: %s\n", rep.Source)
	if c := rep.Cursor; c != nil && c.Cursor != "" {
		fmt.Fprintf(w, "Cursor: %s (run %s, %d pages, %d gaps, updated %s)\n",
			c.Cursor, c.RunID, c.Pages, c.Gaps, c.UpdatedAt.Local().Format(time.DateTime))
	} else {
		fmt.Fprintln(w, "Cursor: none (next run starts from the beginning)")
	}
	fmt.Fprintf(w, "Dead-letter queue: %d\n\n", rep.DLQDepth)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tCOMMITTED\tGAPPED\tERRORED\tFINAL CURSOR")
	for _, r := range rep.Runs {
		var committed, gapped, errored int
		var final string
		if r.Report != nil {
			committed, gapped, errored, final = r.Report.Committed, r.Report.Gapped, r.Report.Errored, r.Report.FinalCursor
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.Status, r.StartedAt.Local().Format(time.DateTime), committed, gapped, errored, final)
	}
	_ = tw.Flush()

	if len(rep.Gaps) > 0 {
		fmt.Fprintln(w, "\nRecent gaps:")
		for _, g := range rep.Gaps {
			fmt.Fprintf(w, "  %s at %s: %s\n", g.RunID, g.Position, g.Reason)
		}
	}

	if len(rep.Segments) > 0 {
		fmt.Fprintln(w)
		formatSegments(w, rep.Segments)
	}
}

func init() {
	statusCmd.Flags().String("source", "", "source name (default: configured provider)")
	statusCmd.Flags().Int("runs", 5, "number of recent runs to show")
	statusCmd.Flags().Bool("json", false, "print JSON instead of tables")
	rootCmd.AddCommand(statusCmd)
}
