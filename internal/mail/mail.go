// Package mail renders and sends the verification email.
package mail

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
)

const Subject = "Verify your email to continue chatting"

//go:embed templates/verification.html
var templateFS embed.FS

var verificationTemplate = template.Must(template.ParseFS(templateFS, "templates/verification.html"))

type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Render builds the verification email for to. ttl is shown to the
// reader as the link lifetime.
func Render(to, link string, ttl time.Duration) (Message, error) {
	if strings.TrimSpace(to) == "" {
		return Message{}, errors.New("mail: recipient is required")
	}
	if strings.TrimSpace(link) == "" {
		return Message{}, errors.New("mail: link is required")
	}
	data := struct {
		Link      string
		ExpiresIn string
		SiteName  string
	}{
		Link:      link,
		ExpiresIn: humanDuration(ttl),
		SiteName:  siteName(link),
	}
	var html bytes.Buffer
	if err := verificationTemplate.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("render verification email: %w", err)
	}
	text := fmt.Sprintf("Verify your email to continue chatting.\n\nOpen this link within %s:\n%s\n", data.ExpiresIn, link)
	return Message{To: to, Subject: Subject, HTML: html.String(), Text: text}, nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d <= 0 || d == time.Hour:
		return "1 hour"
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	case d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}

func siteName(link string) string {
	parsed, err := url.Parse(link)
	if err != nil || parsed.Hostname() == "" {
		return "this site"
	}
	return strings.TrimPrefix(parsed.Hostname(), "www.")
}

// emailClient is the part of the Resend SDK the sender needs.
type emailClient interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

type ResendSender struct {
	emails emailClient
	from   string
}

func NewResendSender(apiKey, from string) (*ResendSender, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("mail: RESEND_API_KEY is required")
	}
	client := resend.NewClient(apiKey)
	return &ResendSender{emails: client.Emails, from: from}, nil
}

func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.emails.Send(&resend.SendEmailRequest{
		From:    s.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	return nil
}
