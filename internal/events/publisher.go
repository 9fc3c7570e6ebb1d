// Package events publishes session lifecycle events and consumes
// device-token updates over the message queue.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tradedesk/authserver/internal/mq"
	"github.com/tradedesk/authserver/types"
)

// FailureRecorder counts publish failures.
type FailureRecorder interface {
	PublishFailed()
}

// Publisher turns committed session changes into SessionEvent messages.
// Publishing is best effort: failures are logged and counted, never returned.
type Publisher struct {
	backend  mq.Backend
	channel  string
	timeout  time.Duration
	failures FailureRecorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewPublisher(backend mq.Backend, channel string, failures FailureRecorder, logger *slog.Logger) *Publisher {
	return &Publisher{
		backend:  backend,
		channel:  channel,
		timeout:  5 * time.Second,
		failures: failures,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *Publisher) SessionOpened(ctx context.Context, rec types.SessionRecord) {
	p.publish(ctx, types.SessionEvent{
		Type:      types.SessionEventOpened,
		AccountID: rec.AccountID,
		SessionID: rec.ID,
		Method:    rec.Method,
		At:        rec.OpenedAt,
	})
}

func (p *Publisher) SessionClosed(ctx context.Context, rec types.SessionRecord) {
	at := p.now().UTC()
	if rec.ClosedAt != nil {
		at = *rec.ClosedAt
	}
	p.publish(ctx, types.SessionEvent{
		Type:            types.SessionEventClosed,
		AccountID:       rec.AccountID,
		SessionID:       rec.ID,
		Method:          rec.Method,
		Reason:          rec.CloseReason,
		At:              at,
		DurationSeconds: rec.DurationSeconds,
	})
}

func (p *Publisher) publish(ctx context.Context, ev types.SessionEvent) {
	if p == nil || p.backend == nil {
		return
	}
	ev.ID = ulid.MustNew(ulid.Timestamp(ev.At), ulid.DefaultEntropy()).String()

	data, err := json.Marshal(ev)
	if err != nil {
		p.fail(ev, err)
		return
	}

	// The request may finish before the broker answers.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	attrs := map[string]string{
		"type":       string(ev.Type),
		"account_id": strconv.Itoa(ev.AccountID),
	}
	if _, err := p.backend.Publish(ctx, p.channel, data, attrs); err != nil {
		p.fail(ev, err)
		return
	}
	p.logger.Debug("event.published", "event_id", ev.ID, "type", ev.Type, "account_id", ev.AccountID)
}

func (p *Publisher) fail(ev types.SessionEvent, err error) {
	p.logger.Warn("event.publish_failed", "type", ev.Type, "account_id", ev.AccountID, "error", err)
	if p.failures != nil {
		p.failures.PublishFailed()
	}
}
