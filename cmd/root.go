/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/tradedesk/authserver/config"
	"github.com/tradedesk/authserver/internal/logging"
	"github.com/tradedesk/authserver/internal/server"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "authserver",
	Short: "Session and identity service for the trading dashboard",
	Long: `authserver manages trader accounts, logins and the single-session
lifecycle behind the trading dashboard.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}

// loadApp reads configuration from the environment and wires the services.
func loadApp(ctx context.Context) (*server.App, error) {
	cfg := config.LoadConfig()
	return server.NewApp(ctx, cfg, newLogger(cfg))
}
