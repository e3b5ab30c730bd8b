package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Partial index backing status dashboards over in-flight deliveries.
func addAttestationsAwaitingIndex() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_add_attestations_awaiting_index",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_attestations_awaiting ON attestations (status, updated_at) WHERE completed_at IS NULL`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_attestations_awaiting`).Error
		},
	}
}
