package database

import (
	"errors"
	"time"

	"github.com/medledger/backend/internal/hashing"
	"github.com/medledger/backend/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillGenesisSnapshots = "2026-08-20_backfill_genesis_snapshot_hashes"

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
		{name: migrationBackfillGenesisSnapshots, apply: backfillGenesisSnapshots},
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

// Records created before the snapshot column existed carry an empty hash;
// an event-free record's head is the genesis value.
func backfillGenesisSnapshots(db *gorm.DB) error {
	return db.Model(&records.MedicalRecord{}).
		Where("current_snapshot_hash = ''").
		Update("current_snapshot_hash", hashing.GenesisHash).Error
}
