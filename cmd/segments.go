package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/segment"
)

var segmentsCmd = &cobra.Command{
	Use:   "segments",
	Short: "Define and inspect contact segments",
}

// -- segments define --

var segmentsDefineCmd = &cobra.Command{
	Use:   "define <name>",
	Short: "Create or replace a segment",
	Long: `Predicates are YAML or JSON, for example:

  all:
    - {field: lifecycle_stage, op: eq, value: customer}
  any:
    - {field: protection_tags, op: has_tag, value: donor}
    - {field: dnc_status, op: eq, value: dnc}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		expr, _ := cmd.Flags().GetString("predicate")
		file, _ := cmd.Flags().GetString("file")
		p, err := readPredicate(expr, file)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		seg, err := segment.NewMaterializer(st).Define(ctx, args[0], p)
		if err != nil {
			return err
		}
		printJSON(seg)
		return nil
	},
}

// readPredicate parses an inline expression or a file; exactly one must
// be given.
func readPredicate(expr, file string) (model.Predicate, error) {
	var p model.Predicate
	switch {
	case expr != "" && file != "":
		return p, eris.New("use either --predicate or --file, not both")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return p, eris.Wrap(err, "read predicate file")
		}
		expr = string(data)
	case expr == "":
		return p, eris.New("a predicate is required (--predicate or --file)")
	}
	if err := yaml.Unmarshal([]byte(expr), &p); err != nil {
		return p, eris.Wrap(err, "parse predicate")
	}
	return p, nil
}

// -- segments list --

var segmentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List segments with their last computed counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		segs, err := segment.NewMaterializer(st).List(ctx)
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			fmt.Fprintln(os.Stderr, "No segments defined.")
			return nil
		}
		formatSegments(os.Stdout, segs)
		return nil
	},
}

func formatSegments(w io.Writer, segs []model.Segment) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCOUNT\tCOMPUTED\tDEPENDS ON")
	for _, s := range segs {
		computed := "never"
		if s.ComputedAt != nil {
			computed = s.ComputedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%v\n", s.Name, s.Count, computed, s.DependsOn)
	}
	_ = tw.Flush()
}

// -- segments refresh --

var segmentsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Recompute every segment count",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := segment.NewMaterializer(st).RefreshAll(ctx)
		if err != nil {
			return err
		}
		printJSON(report)
		return nil
	},
}

// -- segments delete --

var segmentsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a segment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := segment.NewMaterializer(st).Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Segment %s deleted.\n", args[0])
		return nil
	},
}

func init() {
	segmentsDefineCmd.Flags().String("predicate", "", "inline predicate (YAML or JSON)")
	segmentsDefineCmd.Flags().String("file", "", "path to a predicate file")

	segmentsCmd.AddCommand(segmentsDefineCmd)
	segmentsCmd.AddCommand(segmentsListCmd)
	segmentsCmd.AddCommand(segmentsRefreshCmd)
	segmentsCmd.AddCommand(segmentsDeleteCmd)
	rootCmd.AddCommand(segmentsCmd)
}
