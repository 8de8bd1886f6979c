package repository

import (
	"context"
	"errors"
	"time"

	"balagruha-offline-sync/internal/core/models"
	"balagruha-offline-sync/internal/util/timezone"

	"gorm.io/gorm"
)

// Filter schränkt die Auflistung von Einträgen ein; leere Felder filtern nicht
type Filter struct {
	Status    string
	Operation string
}

// OfflineRequestRepository definiert die Speicheroperationen der Warteschlange
type OfflineRequestRepository interface {
	Create(ctx context.Context, req *models.OfflineRequest) error
	FindByID(ctx context.Context, id uint) (*models.OfflineRequest, error)
	List(ctx context.Context, filter Filter, oldestFirst bool) ([]models.OfflineRequest, error)
	Update(ctx context.Context, id uint, fields map[string]interface{}) (bool, error)
	UpdateIfStatus(ctx context.Context, id uint, status string, fields map[string]interface{}) (bool, error)
	IncrementSkip(ctx context.Context, id uint) (int, error)
	Delete(ctx context.Context, id uint) (bool, error)
	ResetStaleClaims(ctx context.Context, claimedBefore time.Time) (int64, error)
	CountByStatus(ctx context.Context) (models.QueueCounts, error)
	FindSyncedBefore(ctx context.Context, before time.Time) ([]models.OfflineRequest, error)
}

// SQLiteRepository implementiert OfflineRequestRepository mit GORM
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository erstellt eine neue Repository-Instanz
func NewSQLiteRepository(db *gorm.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create speichert einen neuen Eintrag
func (r *SQLiteRepository) Create(ctx context.Context, req *models.OfflineRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

// FindByID holt einen Eintrag anhand seiner ID; nil, nil wenn er nicht existiert
func (r *SQLiteRepository) FindByID(ctx context.Context, id uint) (*models.OfflineRequest, error) {
	var req models.OfflineRequest
	result := r.db.WithContext(ctx).First(&req, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &req, nil
}

// List holt Einträge, standardmäßig die neuesten zuerst
func (r *SQLiteRepository) List(ctx context.Context, filter Filter, oldestFirst bool) ([]models.OfflineRequest, error) {
	query := r.db.WithContext(ctx).Model(&models.OfflineRequest{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Operation != "" {
		query = query.Where("operation = ?", filter.Operation)
	}

	// die autoincrement-ID ist die Einfügereihenfolge, unabhängig von der Systemuhr
	if oldestFirst {
		query = query.Order("id ASC")
	} else {
		query = query.Order("id DESC")
	}

	requests := []models.OfflineRequest{}
	if err := query.Find(&requests).Error; err != nil {
		return nil, err
	}
	return requests, nil
}

// Update setzt die übergebenen Spalten; false wenn der Eintrag nicht existiert
// oder gerade von einem Replay-Durchlauf gehalten wird (in_flight)
func (r *SQLiteRepository) Update(ctx context.Context, id uint, fields map[string]interface{}) (bool, error) {
	fields = withUpdatedAt(fields)
	result := r.db.WithContext(ctx).Model(&models.OfflineRequest{}).
		Where("id = ? AND status <> ?", id, models.StatusInFlight).
		Updates(fields)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// UpdateIfStatus aktualisiert nur, wenn der Eintrag noch den erwarteten Status hat.
// Das ist der atomare Übergang, über den sich parallele Replay-Durchläufe abstimmen.
func (r *SQLiteRepository) UpdateIfStatus(ctx context.Context, id uint, status string, fields map[string]interface{}) (bool, error) {
	fields = withUpdatedAt(fields)
	result := r.db.WithContext(ctx).Model(&models.OfflineRequest{}).
		Where("id = ? AND status = ?", id, status).
		Updates(fields)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// IncrementSkip erhöht den Zähler übersprungener Durchläufe und gibt den neuen Wert zurück
func (r *SQLiteRepository) IncrementSkip(ctx context.Context, id uint) (int, error) {
	var counts []int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.OfflineRequest{}).Where("id = ?", id).
			UpdateColumn("skip_count", gorm.Expr("skip_count + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&models.OfflineRequest{}).Where("id = ?", id).
			Pluck("skip_count", &counts).Error
	})
	if err != nil {
		return 0, err
	}
	if len(counts) == 0 {
		return 0, gorm.ErrRecordNotFound
	}
	return counts[0], nil
}

// Delete löscht einen Eintrag, außer er ist in_flight; false wenn nichts gelöscht wurde
func (r *SQLiteRepository) Delete(ctx context.Context, id uint) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("id = ? AND status <> ?", id, models.StatusInFlight).
		Delete(&models.OfflineRequest{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ResetStaleClaims gibt Einträge frei, deren Durchlauf abgebrochen ist (z.B. Absturz)
func (r *SQLiteRepository) ResetStaleClaims(ctx context.Context, claimedBefore time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.OfflineRequest{}).
		Where("status = ? AND (claimed_at IS NULL OR claimed_at < ?)", models.StatusInFlight, claimedBefore).
		Updates(map[string]interface{}{
			"status":     models.StatusPending,
			"claimed_at": nil,
			"updated_at": timezone.Now(),
		})
	return result.RowsAffected, result.Error
}

// CountByStatus zählt die Einträge je Status
func (r *SQLiteRepository) CountByStatus(ctx context.Context) (models.QueueCounts, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	var counts models.QueueCounts
	err := r.db.WithContext(ctx).Model(&models.OfflineRequest{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return counts, err
	}

	for _, row := range rows {
		switch row.Status {
		case models.StatusPending:
			counts.Pending = row.Count
		case models.StatusInFlight:
			counts.InFlight = row.Count
		case models.StatusSynced:
			counts.Synced = row.Count
		case models.StatusFailed:
			counts.Failed = row.Count
		}
	}
	return counts, nil
}

// FindSyncedBefore holt synchronisierte Einträge, die vor dem Zeitpunkt zuletzt geändert wurden
func (r *SQLiteRepository) FindSyncedBefore(ctx context.Context, before time.Time) ([]models.OfflineRequest, error) {
	var requests []models.OfflineRequest
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.StatusSynced, before).
		Order("id ASC").
		Find(&requests).Error
	return requests, err
}

func withUpdatedAt(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if _, ok := out["updated_at"]; !ok {
		out["updated_at"] = timezone.Now()
	}
	return out
}
