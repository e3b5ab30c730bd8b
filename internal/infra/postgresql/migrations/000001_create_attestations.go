package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/attestation-engine/internal/repository"
	"gorm.io/gorm"
)

func createAttestationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_attestations",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.AttestationModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AttestationModel{})
		},
	}
}
