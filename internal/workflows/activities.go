package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/abdul-hamid-achik/blog/internal/mail"
	"github.com/abdul-hamid-achik/blog/internal/secrets"
)

// DeliveryPayload is sealed into DeliveryInput.Sealed.
type DeliveryPayload struct {
	Email string `json:"email"`
	Link  string `json:"link"`
}

type MailActivities struct {
	key    []byte
	sender mail.Sender
	ttl    time.Duration
}

// NewMailActivities takes the mail-payload subkey, the same one the
// gateway seals with.
func NewMailActivities(key []byte, sender mail.Sender, ttl time.Duration) *MailActivities {
	return &MailActivities{key: key, sender: sender, ttl: ttl}
}

func (a *MailActivities) SendVerificationEmail(ctx context.Context, input DeliveryInput) error {
	payload, err := openPayload(a.key, input.Sealed)
	if err != nil {
		// Retrying cannot fix a payload sealed with another key.
		return temporal.NewNonRetryableApplicationError("open delivery payload", "invalid_payload", err)
	}
	msg, err := mail.Render(payload.Email, payload.Link, a.ttl)
	if err != nil {
		return temporal.NewNonRetryableApplicationError("render verification email", "invalid_payload", err)
	}
	if err := a.sender.Send(ctx, msg); err != nil {
		activity.GetLogger(ctx).Warn("verification email send failed", "error", err)
		return fmt.Errorf("send verification email: %w", err)
	}
	return nil
}

func sealPayload(key []byte, payload DeliveryPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return secrets.Seal(key, string(raw))
}

func openPayload(key []byte, sealed string) (DeliveryPayload, error) {
	plain, err := secrets.Open(key, sealed)
	if err != nil {
		return DeliveryPayload{}, err
	}
	var payload DeliveryPayload
	if err := json.Unmarshal([]byte(plain), &payload); err != nil {
		return DeliveryPayload{}, err
	}
	if payload.Email == "" || payload.Link == "" {
		return DeliveryPayload{}, errors.New("delivery payload is incomplete")
	}
	return payload, nil
}
