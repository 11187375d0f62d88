package main

import (
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/crm-sync/internal/dedup"
	"github.com/sells-group/crm-sync/internal/fileimport"
	"github.com/sells-group/crm-sync/internal/segment"
)

var importCmd = &cobra.Command{
	Use:   "import <file.csv|file.xlsx>",
	Short: "Import contacts from a spreadsheet into the file-import channel",
	Long:  "The header row names contact properties, mapped the same way as the upstream listing. Rows matching an existing active email are skipped.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sheet, _ := cmd.Flags().GetString("sheet")
		delim, _ := cmd.Flags().GetString("delimiter")
		opts := fileimport.Options{Sheet: sheet}
		if delim != "" {
			r, size := utf8.DecodeRuneInString(delim)
			if size != len(delim) {
				return eris.Errorf("delimiter must be a single character, got %q", delim)
			}
			opts.CSV.Delimiter = r
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

		report, err := fileimport.New(n, dedup.NewResolver(st)).ImportFile(ctx, args[0], opts)
		if report != nil {
			printJSON(report)
		}
		if err != nil {
			return err
		}

		if report.Created+report.Updated > 0 {
			if _, err := segment.NewMaterializer(st).RefreshAll(ctx); err != nil {
				return eris.Wrap(err, "refresh segments after import")
			}
		}
		return nil
	},
}

func init() {
	importCmd.Flags().String("sheet", "", "xlsx sheet name (default first sheet)")
	importCmd.Flags().String("delimiter", "", "csv field delimiter (default ',')")
	rootCmd.AddCommand(importCmd)
}
