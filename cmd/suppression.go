package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/suppression"
)

var suppressionCmd = &cobra.Command{
	Use:   "suppression",
	Short: "Export do-not-contact lists",
}

var suppressionExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export active contacts carrying a protection tag",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		tag, _ := cmd.Flags().GetString("tag")
		formatName, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")

		format, err := suppression.ParseFormat(formatName)
		if err != nil {
			return err
		}
		if format == suppression.FormatXLSX && out == "" {
			return eris.New("--out is required for xlsx")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var w io.Writer = os.Stdout
		if out != "" {
			f, err := os.Create(out)
			if err != nil {
				return eris.Wrap(err, "create output file")
			}
			defer f.Close() //nolint:errcheck
			w = f
		}

		n, err := suppression.Export(ctx, st, tag, format, w)
		if err != nil {
			return err
		}
		zap.L().Info("suppression list exported",
			zap.String("tag", tag),
			zap.String("format", string(format)),
			zap.Int("contacts", n),
		)
		return nil
	},
}

func init() {
	suppressionExportCmd.Flags().String("tag", "", "protection tag to export (required)")
	suppressionExportCmd.Flags().String("format", "csv", "output format: csv, json or xlsx")
	suppressionExportCmd.Flags().String("out", "", "output file (default stdout)")
	_ = suppressionExportCmd.MarkFlagRequired("tag")

	suppressionCmd.AddCommand(suppressionExportCmd)
	rootCmd.AddCommand(suppressionCmd)
}
