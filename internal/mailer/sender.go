package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/mail"

	"go.uber.org/zap"
)

// Message is one rendered email addressed to a single recipient.
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers a single message through an external provider.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config selects and configures the provider.
type Config struct {
	Provider       string
	From           string
	ResendAPIKey   string
	SendGridAPIKey string
	SMTPURL        string
}

// New builds the Sender named by cfg.Provider.
func New(cfg Config, log *zap.Logger) (Sender, error) {
	from, err := mail.ParseAddress(cfg.From)
	if err != nil && cfg.Provider != "noop" && cfg.Provider != "" {
		return nil, fmt.Errorf("invalid MAIL_FROM %q: %w", cfg.From, err)
	}

	switch cfg.Provider {
	case "", "noop":
		return NewNoopSender(log), nil
	case "resend":
		if cfg.ResendAPIKey == "" {
			return nil, errors.New("RESEND_API_KEY is required for the resend provider")
		}
		return NewResendSender(cfg.ResendAPIKey, from.String()), nil
	case "sendgrid":
		if cfg.SendGridAPIKey == "" {
			return nil, errors.New("SENDGRID_API_KEY is required for the sendgrid provider")
		}
		return NewSendGridSender(cfg.SendGridAPIKey, from), nil
	case "smtp":
		return NewSMTPSender(cfg.SMTPURL, from)
	}
	return nil, fmt.Errorf("unknown mail provider %q", cfg.Provider)
}
