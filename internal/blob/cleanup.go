package blob

import (
	"context"
	"log/slog"
	"time"

	"github.com/frisksitron/lobby-sub000/internal/db"
	"github.com/frisksitron/lobby-sub000/internal/models"
)

const (
	DefaultCleanupInterval = 1 * time.Hour
	DefaultCleanupBatch    = 100
)

// CleanupService deletes chat attachments whose upload TTL lapsed before
// any message claimed them.
type CleanupService struct {
	blobRepo  *db.BlobRepository
	blobs     *Service
	interval  time.Duration
	batchSize int64
}

func NewCleanupService(blobRepo *db.BlobRepository, blobs *Service) *CleanupService {
	return &CleanupService{
		blobRepo:  blobRepo,
		blobs:     blobs,
		interval:  DefaultCleanupInterval,
		batchSize: DefaultCleanupBatch,
	}
}

// Start blocks, sweeping once immediately and then on every tick until
// ctx is cancelled.
func (s *CleanupService) Start(ctx context.Context) {
	slog.Info("blob sweeper running", "component", "blob_cleanup", "interval", s.interval)

	s.sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("blob sweeper stopped", "component", "blob_cleanup")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *CleanupService) sweep() {
	rows, err := s.blobRepo.ListExpiredUnclaimed(time.Now().UTC(), s.batchSize)
	if err != nil {
		slog.Error("listing expired attachments failed", "component", "blob_cleanup", "error", err)
		return
	}

	removed := 0
	for _, row := range rows {
		if s.removeExpired(row) {
			removed++
		}
	}
	if removed > 0 {
		slog.Info("expired attachments removed", "component", "blob_cleanup", "count", removed)
	}
}

// removeExpired drops the row before unlinking files so a concurrent
// message send cannot claim the blob mid-removal.
func (s *CleanupService) removeExpired(row *models.Blob) bool {
	deleted, err := s.blobRepo.Delete(row.ID)
	if err != nil {
		slog.Error("deleting expired attachment row failed", "component", "blob_cleanup", "error", err, "blob_id", row.ID)
		return false
	}
	if !deleted {
		return false
	}

	if row.PreviewStoragePath != nil {
		if err := s.blobs.Delete(*row.PreviewStoragePath); err != nil {
			slog.Warn("unlinking expired preview failed", "component", "blob_cleanup", "error", err, "blob_id", row.ID)
		}
	}
	if err := s.blobs.Delete(row.StoragePath); err != nil {
		slog.Warn("unlinking expired attachment failed", "component", "blob_cleanup", "error", err, "blob_id", row.ID)
	}
	return true
}
