package db

import (
	"context"
	"log/slog"
	"time"
)

const DefaultCleanupInterval = 1 * time.Hour

// CleanupService sweeps expired auth rows (magic codes, registration
// tokens, refresh tokens) on a fixed interval.
type CleanupService struct {
	magicCodes         *MagicCodeRepository
	registrationTokens *RegistrationTokenRepository
	refreshTokens      *RefreshTokenRepository
	interval           time.Duration
}

func NewCleanupService(
	magicCodes *MagicCodeRepository,
	registrationTokens *RegistrationTokenRepository,
	refreshTokens *RefreshTokenRepository,
) *CleanupService {
	return &CleanupService{
		magicCodes:         magicCodes,
		registrationTokens: registrationTokens,
		refreshTokens:      refreshTokens,
		interval:           DefaultCleanupInterval,
	}
}

// Start runs one sweep immediately, then ticks until ctx is cancelled.
func (s *CleanupService) Start(ctx context.Context) {
	slog.Info("auth row sweeper running", "component", "cleanup", "interval", s.interval)

	s.sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("auth row sweeper stopped", "component", "cleanup")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *CleanupService) sweep() {
	targets := []struct {
		name string
		fn   func() (int64, error)
	}{
		{"magic codes", s.magicCodes.DeleteExpired},
		{"registration tokens", s.registrationTokens.DeleteExpired},
		{"refresh tokens", s.refreshTokens.DeleteExpired},
	}

	for _, target := range targets {
		deleted, err := target.fn()
		if err != nil {
			slog.Error("expired row sweep failed", "component", "cleanup", "target", target.name, "error", err)
			continue
		}
		if deleted > 0 {
			slog.Info("deleted expired rows", "component", "cleanup", "target", target.name, "count", deleted)
		}
	}
}
