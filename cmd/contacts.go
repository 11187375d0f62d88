package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/retention"
	"github.com/sells-group/crm-sync/internal/segment"
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage individual contacts",
}

var contactsRestoreCmd = &cobra.Command{
	Use:   "restore <contact-id>",
	Short: "Return an archived contact to active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		c, err := retention.NewEngine(st).Restore(ctx, args[0])
		if err != nil {
			return err
		}
		if _, err := segment.NewMaterializer(st).Refresh(ctx, model.NewFieldSet(model.FieldStatus)); err != nil {
			return err
		}
		printJSON(c)
		return nil
	},
}

func init() {
	contactsCmd.AddCommand(contactsRestoreCmd)
	rootCmd.AddCommand(contactsCmd)
}
