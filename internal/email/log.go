package email

import (
	"log/slog"
	"time"
)

// LogSender writes the magic code to the server log instead of sending
// mail. Dev use only: the code is a credential.
type LogSender struct{}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) SendMagicCode(to, code string, ttl time.Duration) error {
	slog.Info("magic code (dev mode, not emailed)",
		"component", "email", "to", to, "code", code, "expires_in", ttl)
	return nil
}
