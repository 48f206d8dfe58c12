package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/docstore"
	"github.com/MarcoPoloResearchLab/fishmarket/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeAccountEmails     = "2025-06-01_normalize_account_emails"
	migrationBackfillDocumentCreatedAts = "2025-06-14_backfill_document_created_at"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeAccountEmails, apply: normalizeAccountEmails},
		{name: migrationBackfillDocumentCreatedAts, apply: backfillDocumentCreatedAt},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeAccountEmails lower-cases emails stored before lookups became case-insensitive.
func normalizeAccountEmails(db *gorm.DB) error {
	return db.Model(&identity.Account{}).
		Where("email <> lower(trim(email))").
		Update("email", gorm.Expr("lower(trim(email))")).Error
}

// backfillDocumentCreatedAt gives rows written without a creation stamp one derived
// from their last update, so insertion order stays stable.
func backfillDocumentCreatedAt(db *gorm.DB) error {
	return db.Model(&docstore.StoredDocument{}).
		Where("created_at_ns = 0").
		Update("created_at_ns", gorm.Expr("updated_at_s * 1000000000")).Error
}
