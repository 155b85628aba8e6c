// Package mailer sends magic-link login emails. The interface stays
// thin so the web handlers can be tested against a mock and deployments
// without SMTP can fall back to logging the link.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"
)

//go:generate mockgen -source=mailer.go -destination=mailer_mock.go -package=mailer

// Mailer delivers a magic login link to an address. The ttl is included
// in the message so recipients know how long the link stays valid.
type Mailer interface {
	SendMagicLink(ctx context.Context, to, link string, ttl time.Duration) error
}

// SMTPMailer sends mail through a plain SMTP relay.
type SMTPMailer struct {
	Addr     string // host:port
	From     string
	Username string
	Password string
	Host     string // for AUTH; derived from Addr when empty
}

// NewSMTPMailer builds an SMTPMailer. Auth is used only when a
// username is configured.
func NewSMTPMailer(addr, from, username, password string) *SMTPMailer {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}

	return &SMTPMailer{
		Addr:     addr,
		From:     from,
		Username: username,
		Password: password,
		Host:     host,
	}
}

// SendMagicLink delivers the login link.
func (m *SMTPMailer) SendMagicLink(_ context.Context, to, link string, ttl time.Duration) error {
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Your Canvas bridge login link\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n\r\n"+
		"Click to sign in:\r\n\r\n%s\r\n\r\nThe link expires in %d minutes and works once.\r\n",
		m.From, to, link, int(ttl.Minutes()))

	var auth smtp.Auth
	if m.Username != "" {
		auth = smtp.PlainAuth("", m.Username, m.Password, m.Host)
	}

	if err := smtp.SendMail(m.Addr, auth, m.From, []string{to}, []byte(body)); err != nil {
		return fmt.Errorf("sending magic link mail: %w", err)
	}

	return nil
}

// LogMailer writes the link to the log instead of sending mail. For
// development only; the logged link is a live credential.
type LogMailer struct {
	Logger *slog.Logger
}

// SendMagicLink logs the link.
func (m *LogMailer) SendMagicLink(_ context.Context, to, link string, ttl time.Duration) error {
	m.Logger.Info("magic link issued (mail disabled)",
		slog.String("to", to),
		slog.String("link", link),
		slog.Duration("ttl", ttl),
	)
	return nil
}
