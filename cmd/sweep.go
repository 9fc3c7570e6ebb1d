/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tradedesk/authserver/internal/reaper"
)

// sweepCmd closes idle sessions once and exits. Suitable for a cron job when
// the server runs without SWEEP_INTERVAL.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Close sessions that have been idle past the timeout",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		r := reaper.New(app.Sessions, 0, app.Config.Sweeper.BatchSize, app.Logger)
		closed := r.SweepOnce(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "closed %d idle sessions\n", closed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
