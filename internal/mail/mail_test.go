package mail

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/blog/internal/observability"
)

const testLink = "https://www.abdulachik.dev/api/auth/verify?token=abc-123"

type fakeEmails struct {
	requests []*resend.SendEmailRequest
	err      error
}

func (f *fakeEmails) Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	f.requests = append(f.requests, params)
	if f.err != nil {
		return nil, f.err
	}
	return &resend.SendEmailResponse{Id: "email-1"}, nil
}

type flakySender struct {
	failures int
	calls    int
	sent     []Message
}

func (s *flakySender) Send(_ context.Context, msg Message) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("smtp unavailable")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func TestRender(t *testing.T) {
	msg, err := Render("me@example.com", testLink, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "me@example.com", msg.To)
	require.Equal(t, Subject, msg.Subject)
	require.Contains(t, msg.HTML, `href="https://www.abdulachik.dev/api/auth/verify?token=abc-123"`)
	require.Contains(t, msg.HTML, "expire in 1 hour")
	require.Contains(t, msg.HTML, "chatting on abdulachik.dev")
	require.Contains(t, msg.Text, testLink)
}

func TestRender_EscapesLink(t *testing.T) {
	msg, err := Render("me@example.com", `https://x.test/verify?token="><script>`, time.Hour)
	require.NoError(t, err)
	require.NotContains(t, msg.HTML, "<script>")
}

func TestRender_Validation(t *testing.T) {
	_, err := Render("", testLink, time.Hour)
	require.Error(t, err)
	_, err = Render("me@example.com", " ", time.Hour)
	require.Error(t, err)
}

func TestHumanDuration(t *testing.T) {
	require.Equal(t, "1 hour", humanDuration(0))
	require.Equal(t, "1 hour", humanDuration(time.Hour))
	require.Equal(t, "2 hours", humanDuration(2*time.Hour))
	require.Equal(t, "15 minutes", humanDuration(15*time.Minute))
	require.Equal(t, "1m30s", humanDuration(90*time.Second))
}

func TestNewResendSender_RequiresKey(t *testing.T) {
	_, err := NewResendSender("", "Chat <noreply@example.com>")
	require.Error(t, err)
	sender, err := NewResendSender("re_test", "Chat <noreply@example.com>")
	require.NoError(t, err)
	require.NotNil(t, sender.emails)
}

func TestResendSender_Send(t *testing.T) {
	fake := &fakeEmails{}
	sender := &ResendSender{emails: fake, from: "Chat <noreply@example.com>"}
	msg, err := Render("me@example.com", testLink, time.Hour)
	require.NoError(t, err)

	require.NoError(t, sender.Send(context.Background(), msg))
	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	require.Equal(t, "Chat <noreply@example.com>", req.From)
	require.Equal(t, []string{"me@example.com"}, req.To)
	require.Equal(t, Subject, req.Subject)
	require.Equal(t, msg.HTML, req.Html)
}

func TestResendSender_Errors(t *testing.T) {
	fake := &fakeEmails{err: errors.New("422 invalid from")}
	sender := &ResendSender{emails: fake, from: "bad"}
	err := sender.Send(context.Background(), Message{To: "me@example.com"})
	require.ErrorContains(t, err, "invalid from")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sender.Send(ctx, Message{To: "me@example.com"}), context.Canceled)
	require.Len(t, fake.requests, 1)
}

func TestLogDeliverer_NeverLogsToken(t *testing.T) {
	var buf bytes.Buffer
	observability.Configure(&buf, "info")
	t.Cleanup(func() { observability.Configure(&bytes.Buffer{}, "info") })

	d := NewLogDeliverer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, d.Deliver(context.Background(), "me@example.com", testLink))

	out := buf.String()
	require.Contains(t, out, "verification link issued")
	require.Contains(t, out, "email_hash")
	require.NotContains(t, out, "abc-123")
	require.NotContains(t, out, "me@example.com")
}

func TestDirectDeliverer_RetriesOnce(t *testing.T) {
	observability.Configure(&bytes.Buffer{}, "error")
	sender := &flakySender{failures: 1}
	d := NewDirectDeliverer(sender, time.Hour, nil)
	d.retryDelay = time.Millisecond

	require.NoError(t, d.Deliver(context.Background(), "me@example.com", testLink))
	require.Equal(t, 2, sender.calls)
	require.Len(t, sender.sent, 1)
	require.True(t, strings.Contains(sender.sent[0].HTML, testLink))
}

func TestDirectDeliverer_GivesUpAfterRetry(t *testing.T) {
	observability.Configure(&bytes.Buffer{}, "error")
	sender := &flakySender{failures: 5}
	d := NewDirectDeliverer(sender, time.Hour, nil)
	d.retryDelay = time.Millisecond

	err := d.Deliver(context.Background(), "me@example.com", testLink)
	require.ErrorContains(t, err, "send verification email")
	require.Equal(t, 2, sender.calls)
}

func TestDirectDeliverer_CancelledDuringBackoff(t *testing.T) {
	observability.Configure(&bytes.Buffer{}, "error")
	sender := &flakySender{failures: 5}
	d := NewDirectDeliverer(sender, time.Hour, nil)
	d.retryDelay = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Deliver(ctx, "me@example.com", testLink), context.DeadlineExceeded)
	require.Equal(t, 1, sender.calls)
}
