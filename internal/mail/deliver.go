package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/abdul-hamid-achik/blog/internal/observability"
	"github.com/abdul-hamid-achik/blog/internal/secrets"
)

// LogDeliverer is for development. It records that a link was issued
// but never the link itself, since the link carries the token.
type LogDeliverer struct {
	hashKey []byte
}

func NewLogDeliverer(hashKey []byte) *LogDeliverer {
	return &LogDeliverer{hashKey: hashKey}
}

func (d *LogDeliverer) Deliver(ctx context.Context, email, link string) error {
	observability.LoggerFromContext(ctx).Info("verification link issued",
		"email_hash", secrets.Fingerprint(d.hashKey, email),
		"delivery", "log",
	)
	return nil
}

// DirectDeliverer renders and sends inline, retrying once.
type DirectDeliverer struct {
	sender     Sender
	ttl        time.Duration
	retryDelay time.Duration
	hashKey    []byte
}

func NewDirectDeliverer(sender Sender, ttl time.Duration, hashKey []byte) *DirectDeliverer {
	return &DirectDeliverer{sender: sender, ttl: ttl, retryDelay: 500 * time.Millisecond, hashKey: hashKey}
}

func (d *DirectDeliverer) Deliver(ctx context.Context, email, link string) error {
	msg, err := Render(email, link, d.ttl)
	if err != nil {
		return err
	}
	err = d.sender.Send(ctx, msg)
	if err == nil {
		return nil
	}
	observability.LoggerFromContext(ctx).Warn("verification email send failed, retrying",
		"email_hash", secrets.Fingerprint(d.hashKey, email),
		"error", err,
	)
	timer := time.NewTimer(d.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if err := d.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	return nil
}
