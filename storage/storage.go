// Package storage provides the gorm-backed persistence layer. Production
// runs on postgres; tests run the same repositories on sqlite.
package storage

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the database identified by the DSN. DSNs starting with
// "file:" or ":memory:" open sqlite, anything else postgres.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("storage: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "file:") || strings.HasPrefix(trimmed, ":memory:") {
		dialector = sqlite.Open(trimmed)
	} else {
		dialector = postgres.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	return db, nil
}

// Migrate applies the schema for every repository-owned table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&consentRecord{},
		&consentExtensionRecord{},
		&accountRecord{},
		&balanceRecord{},
		&transactionRecord{},
		&runLockRecord{},
	); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}
