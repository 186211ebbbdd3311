package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/geist/backend/internal/config"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillPrimaryPointer    = "2025-06-02_backfill_primary_identity_pointer"
	migrationPrimaryIdentityForeignKey = "2025-06-09_users_primary_identity_fk"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name    string
	// dialect restricts the migration to one driver; empty applies everywhere.
	dialect string
	apply   func(*gorm.DB) error
}

func migrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillPrimaryPointer, apply: backfillPrimaryPointer},
		{name: migrationPrimaryIdentityForeignKey, dialect: config.DriverPostgres, apply: addPrimaryIdentityForeignKey},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations() {
		if migration.dialect != "" && migration.dialect != db.Dialector.Name() {
			continue
		}
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillPrimaryPointer points users without a pointer at their flagged primary identity.
func backfillPrimaryPointer(db *gorm.DB) error {
	return db.Exec(`UPDATE users SET primary_identity_id = (
			SELECT user_identities.id FROM user_identities
			WHERE user_identities.user_id = users.id AND user_identities.is_primary = ?
			LIMIT 1)
		WHERE primary_identity_id IS NULL AND EXISTS (
			SELECT 1 FROM user_identities
			WHERE user_identities.user_id = users.id AND user_identities.is_primary = ?)`,
		true, true).Error
}

func addPrimaryIdentityForeignKey(db *gorm.DB) error {
	return db.Exec(`ALTER TABLE users
		ADD CONSTRAINT fk_users_primary_identity
		FOREIGN KEY (primary_identity_id) REFERENCES user_identities(id)
		ON DELETE SET NULL`).Error
}
