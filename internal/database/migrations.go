package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDedupeBoardSnapshots = "2026-08-20_dedupe_board_snapshots"

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
		{name: migrationDedupeBoardSnapshots, apply: dedupeBoardSnapshots},
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

// dedupeBoardSnapshots removes all but the newest snapshot row per board.
// Earlier builds allowed multiple snapshot rows to accumulate for a board;
// the store now keeps exactly one.
func dedupeBoardSnapshots(db *gorm.DB) error {
	return db.Exec(`DELETE FROM board_snapshots WHERE snapshot_id NOT IN (
		SELECT keep.snapshot_id FROM (
			SELECT snapshot_id FROM board_snapshots s
			WHERE s.server_ts_ms = (
				SELECT MAX(server_ts_ms) FROM board_snapshots WHERE board_id = s.board_id
			)
			GROUP BY s.board_id
		) AS keep
	)`).Error
}
