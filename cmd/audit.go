/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tradedesk/authserver/internal/services"
	"github.com/tradedesk/authserver/internal/storage"
)

var (
	auditFrom      string
	auditTo        string
	auditOverwrite bool
)

// auditCmd groups audit trail commands.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail maintenance",
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Upload closed session records to object storage as JSON lines",
	Long: `Uploads every session record closed in [from, to) to the configured
object store. Usage:

	authserver audit export --from 2026-03-01 --to 2026-03-02
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := services.ParseExportRange(auditFrom, auditTo)
		if err != nil {
			return err
		}

		app, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		objects, err := storage.Connect(cmd.Context(), app.Config.Storage)
		if err != nil {
			return err
		}
		if err := objects.EnsureBucket(cmd.Context()); err != nil {
			return fmt.Errorf("ensure bucket %s: %w", objects.Bucket(), err)
		}

		exporter := services.NewAuditExporter(app.History, objects, app.Logger)
		res, err := exporter.Export(cmd.Context(), from, to, auditOverwrite)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d records (%d bytes) to %s/%s\n", res.Records, res.Bytes, objects.Bucket(), res.Key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditExportCmd)

	auditExportCmd.Flags().StringVar(&auditFrom, "from", "", "first day to include (YYYY-MM-DD, UTC)")
	auditExportCmd.Flags().StringVar(&auditTo, "to", "", "day after the last one to include (YYYY-MM-DD, UTC)")
	auditExportCmd.Flags().BoolVar(&auditOverwrite, "overwrite", false, "replace an existing archive")
	_ = auditExportCmd.MarkFlagRequired("from")
	_ = auditExportCmd.MarkFlagRequired("to")
}
