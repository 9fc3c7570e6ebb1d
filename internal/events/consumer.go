package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/tradedesk/authserver/internal/apperr"
	"github.com/tradedesk/authserver/internal/mq"
	"github.com/tradedesk/authserver/types"
)

// DeviceTokenSetter stores a device token for an account.
type DeviceTokenSetter interface {
	SetDeviceToken(ctx context.Context, id int, token string) error
}

// DeviceTokenConsumer applies DeviceTokenUpdate messages.
type DeviceTokenConsumer struct {
	backend  mq.Backend
	channel  string
	accounts DeviceTokenSetter
	logger   *slog.Logger
}

func NewDeviceTokenConsumer(backend mq.Backend, channel string, accounts DeviceTokenSetter, logger *slog.Logger) *DeviceTokenConsumer {
	return &DeviceTokenConsumer{backend: backend, channel: channel, accounts: accounts, logger: logger}
}

// Run blocks until ctx is done or the subscription fails.
func (c *DeviceTokenConsumer) Run(ctx context.Context) error {
	c.logger.Info("worker.started", "channel", c.channel)
	return c.backend.Subscribe(ctx, c.channel, c.Handle)
}

// Handle applies one message. Malformed payloads and rejected updates are
// dropped; only store failures are returned so the broker redelivers.
func (c *DeviceTokenConsumer) Handle(ctx context.Context, msg mq.Message) error {
	var upd types.DeviceTokenUpdate
	if err := json.Unmarshal(msg.Data, &upd); err != nil {
		c.logger.Warn("device_token.bad_payload", "message_id", msg.ID, "error", err)
		return nil
	}
	if upd.AccountID < 1 || upd.DeviceToken == "" {
		c.logger.Warn("device_token.bad_payload", "message_id", msg.ID, "account_id", upd.AccountID)
		return nil
	}

	err := c.accounts.SetDeviceToken(ctx, upd.AccountID, upd.DeviceToken)
	var appErr *apperr.Error
	switch {
	case err == nil:
		c.logger.Info("device_token.updated", "message_id", msg.ID, "account_id", upd.AccountID)
		return nil
	case errors.As(err, &appErr):
		c.logger.Warn("device_token.rejected", "message_id", msg.ID, "account_id", upd.AccountID, "code", appErr.Code)
		return nil
	default:
		c.logger.Error("device_token.store_failed", "message_id", msg.ID, "account_id", upd.AccountID, "error", err)
		return err
	}
}
