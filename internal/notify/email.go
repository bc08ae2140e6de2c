package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	mail "github.com/wneessen/go-mail"

	"github.com/rewired-gh/premiumwatch/internal/models"
)

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
	Timeout  time.Duration
}

// EmailSender delivers alerts over SMTP.
type EmailSender struct {
	client *mail.Client
	from   string
	to     string
}

// NewEmailSender creates an EmailSender. Port 465 (or 0) uses implicit TLS;
// any other port requires STARTTLS.
func NewEmailSender(cfg EmailConfig) (*EmailSender, error) {
	if cfg.From == "" || cfg.To == "" {
		return nil, errors.New("email: from and to addresses are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []mail.Option{mail.WithTimeout(cfg.Timeout)}
	if cfg.Port == 0 || cfg.Port == 465 {
		opts = append(opts, mail.WithSSLPort(false))
	} else {
		opts = append(opts, mail.WithPort(cfg.Port), mail.WithTLSPolicy(mail.TLSMandatory))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("email: failed to create SMTP client: %w", err)
	}

	return &EmailSender{client: client, from: cfg.From, to: cfg.To}, nil
}

func (e *EmailSender) Name() string { return "email" }

// Deliver sends a as a plain-text email.
func (e *EmailSender) Deliver(ctx context.Context, a models.Alert) error {
	msg, err := e.newMessage(a)
	if err != nil {
		return err
	}
	if err := e.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("email: send failed: %w", err)
	}
	return nil
}

func (e *EmailSender) newMessage(a models.Alert) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(e.from); err != nil {
		return nil, fmt.Errorf("email: invalid from address: %w", err)
	}
	if err := msg.To(e.to); err != nil {
		return nil, fmt.Errorf("email: invalid to address: %w", err)
	}
	msg.Subject(Subject(a))
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, Body(a))
	return msg, nil
}
