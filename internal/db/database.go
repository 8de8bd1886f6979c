package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"balagruha-offline-sync/config"
	"balagruha-offline-sync/internal/core/models"
	"balagruha-offline-sync/internal/util/timezone"

	"github.com/glebarez/sqlite" // Pure Go SQLite Treiber
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// busyTimeout lässt parallele Schreiber warten statt sofort "database is locked" zu melden
const busyTimeout = "_pragma=busy_timeout(5000)"

// Open öffnet die SQLite-Datenbank der Warteschlange und führt die Migrationen aus
func Open(cfg config.DBConfig) (*gorm.DB, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("database file is not configured")
	}

	dbDir := filepath.Dir(cfg.File)
	if err := os.MkdirAll(dbDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// GORM-Logger auf logrus umleiten
	gormLogger := logger.New(
		log.StandardLogger(),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Infof("Connecting to database: %s", cfg.File)
	database, err := gorm.Open(sqlite.Open(dsn(cfg.File)), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: timezone.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	// SQLite erlaubt nur einen Schreiber; mehr offene Verbindungen bringen nur Lock-Fehler
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(database); err != nil {
		return nil, err
	}

	log.Info("Database connection established successfully")
	return database, nil
}

// Migrate führt die Auto-Migrationen aus
func Migrate(database *gorm.DB) error {
	log.Debug("Running database migrations...")
	if err := database.AutoMigrate(&models.OfflineRequest{}); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}

// Close schließt die zugrunde liegende Verbindung
func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dsn(file string) string {
	sep := "?"
	if strings.Contains(file, "?") {
		sep = "&"
	}
	return file + sep + busyTimeout
}
