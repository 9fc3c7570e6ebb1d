/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tradedesk/authserver/internal/events"
)

// workerCmd consumes device-token updates from the message queue.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume device-token updates from the message queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		if app.Broker == nil {
			return errors.New("worker requires MQ_BACKEND to be rabbitmq or pubsub")
		}

		consumer := events.NewDeviceTokenConsumer(app.Broker, app.Config.MQ.DeviceTokenChannel, app.Accounts, app.Logger)
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("consumer stopped: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
