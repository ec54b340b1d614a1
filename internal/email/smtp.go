// Package email delivers magic login codes. Production uses the
// STARTTLS SMTP sender; dev installs log the code instead.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"time"
)

const smtpTimeout = 30 * time.Second

// Sender is what the auth handlers depend on.
type Sender interface {
	SendMagicCode(to, code string, ttl time.Duration) error
}

// SMTPService sends mail over SMTP with STARTTLS. Plaintext delivery is
// allowed only on the classic relay port and the common dev-mailcatcher
// port; everything else must offer STARTTLS before auth.
type SMTPService struct {
	host     string
	port     int
	username string
	password string
	from     string
}

func NewSMTPService(host string, port int, username, password, from string) *SMTPService {
	return &SMTPService{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
	}
}

func (s *SMTPService) SendMagicCode(to, code string, ttl time.Duration) error {
	subject := "Your Lobby Login Code"
	body := fmt.Sprintf(`Hello!

Your login code for Lobby is:

    %s

This code will expire in %d minutes.

If you didn't request this email, you can safely ignore it.

- The Lobby Team`, code, int(ttl.Minutes()))

	return s.send(to, subject, body)
}

func (s *SMTPService) send(to, subject, body string) error {
	client, err := s.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("SMTP MAIL command: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("SMTP RCPT command: %w", err)
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA command: %w", err)
	}
	if _, err := fmt.Fprintf(wc,
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"utf-8\"\r\n\r\n%s",
		s.from, to, subject, body); err != nil {
		wc.Close()
		return fmt.Errorf("writing email body: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}

	if err := client.Quit(); err != nil {
		slog.Warn("smtp quit failed", "component", "email", "error", err)
	}
	return nil
}

// connect dials the relay and leaves the client upgraded and
// authenticated, ready for the MAIL transaction.
func (s *SMTPService) connect() (*smtp.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), smtpTimeout)
	defer cancel()

	dialer := net.Dialer{Timeout: smtpTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(s.host, fmt.Sprint(s.port)))
	if err != nil {
		return nil, fmt.Errorf("connecting to SMTP server: %w", err)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			client.Close()
			return nil, fmt.Errorf("STARTTLS: %w", err)
		}
	} else if s.port != 25 && s.port != 1025 {
		client.Close()
		return nil, fmt.Errorf("STARTTLS not available on port %d (required for secure auth)", s.port)
	}

	if s.username != "" && s.password != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("SMTP authentication: %w", err)
		}
	}
	return client, nil
}
