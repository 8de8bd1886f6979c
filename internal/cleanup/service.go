package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"balagruha-offline-sync/internal/core/models"
	"balagruha-offline-sync/internal/core/payload"
	"balagruha-offline-sync/internal/util/timezone"
	"balagruha-offline-sync/internal/utils"

	log "github.com/sirupsen/logrus"
)

// Finder lists synced records last touched before a cutoff.
type Finder interface {
	FindSyncedBefore(ctx context.Context, before time.Time) ([]models.OfflineRequest, error)
}

// Deleter removes a record through the queue.
type Deleter interface {
	Delete(ctx context.Context, id uint) (*models.OfflineRequest, error)
}

// Result summarizes one cleanup cycle.
type Result struct {
	Deleted      int `json:"deleted"`
	Failed       int `json:"failed"`
	FilesRemoved int `json:"filesRemoved"`
}

// Service handles the automatic cleanup of synced offline requests and their
// uploaded attachment files.
type Service struct {
	finder        Finder
	deleter       Deleter
	retentionDays int
	uploadDir     string
	checkInterval time.Duration
	stopChan      chan struct{} // Channel to signal stopping the background routine
}

// NewService creates a new CleanupService. It returns nil when cleanup is disabled.
func NewService(finder Finder, deleter Deleter, retentionDays int, uploadDir string, checkInterval time.Duration) *Service {
	if retentionDays <= 0 {
		log.Info("Automatic cleanup disabled (retention_days <= 0).")
		return nil
	}
	if finder == nil || deleter == nil {
		log.Error("Cannot initialize CleanupService: queue store is nil")
		return nil
	}
	log.Infof("Initializing CleanupService: RetentionDays=%d, UploadDir='%s', CheckInterval=%s", retentionDays, uploadDir, checkInterval)
	return &Service{
		finder:        finder,
		deleter:       deleter,
		retentionDays: retentionDays,
		uploadDir:     uploadDir,
		checkInterval: checkInterval,
		stopChan:      make(chan struct{}),
	}
}

// StartBackgroundCleanup starts a goroutine that periodically runs the cleanup cycle.
func (s *Service) StartBackgroundCleanup() {
	if s == nil {
		return // cleanup disabled
	}
	log.Info("Starting background cleanup routine...")

	ticker := time.NewTicker(s.checkInterval)

	go func() {
		defer ticker.Stop()

		// Run cleanup once immediately on start
		s.RunCleanupCycle(context.Background())

		for {
			select {
			case <-ticker.C:
				log.Debug("Running scheduled cleanup cycle...")
				s.RunCleanupCycle(context.Background())
			case <-s.stopChan:
				log.Info("Stopping background cleanup routine.")
				return
			}
		}
	}()
}

// StopBackgroundCleanup signals the background cleanup routine to stop.
func (s *Service) StopBackgroundCleanup() {
	if s == nil || s.stopChan == nil {
		return
	}
	select {
	case <-s.stopChan:
		// Already closed
	default:
		close(s.stopChan)
	}
}

// RunCleanupCycle deletes synced records older than the retention period.
// Pending and failed records are never touched.
func (s *Service) RunCleanupCycle(ctx context.Context) Result {
	var result Result
	if s == nil || s.retentionDays <= 0 {
		return result
	}

	cutoffTime := timezone.Now().AddDate(0, 0, -s.retentionDays)
	log.Debugf("Cleanup: Deleting synced offline requests older than %s", timezone.RFC3339(cutoffTime))

	requests, err := s.finder.FindSyncedBefore(ctx, cutoffTime)
	if err != nil {
		log.Errorf("Cleanup: Error finding synced offline requests: %v", err)
		return result
	}
	if len(requests) == 0 {
		return result
	}

	for _, req := range requests {
		if _, err := s.deleter.Delete(ctx, req.ID); err != nil {
			log.Errorf("Cleanup: Failed to delete offline request ID %d: %v", req.ID, err)
			result.Failed++
			continue
		}
		result.Deleted++
		result.FilesRemoved += s.removeAttachments(req)
	}

	log.Infof("Cleanup cycle finished. Deleted: %d, Failed: %d, Files removed: %d", result.Deleted, result.Failed, result.FilesRemoved)
	return result
}

// removeAttachments deletes the uploaded files of a record. Only files inside
// the upload directory are removed.
func (s *Service) removeAttachments(req models.OfflineRequest) int {
	if s.uploadDir == "" {
		return 0
	}
	atts, err := payload.DecodeAttachments(req.AttachmentString)
	if err != nil {
		log.Warnf("Cleanup: Cannot read attachments of offline request ID %d: %v", req.ID, err)
		return 0
	}

	removed := 0
	for _, att := range atts {
		if !utils.WithinDir(s.uploadDir, att.Path) {
			log.Debugf("Cleanup: Skipping attachment outside upload dir: %s", att.Path)
			continue
		}
		path := filepath.Clean(att.Path)
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warnf("Cleanup: Failed to delete attachment '%s' of offline request ID %d: %v", path, req.ID, err)
			}
			continue
		}
		removed++
	}
	return removed
}
