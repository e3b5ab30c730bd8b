package repository

import (
	"strings"
	"time"

	"github.com/kursadbilgin/attestation-engine/internal/domain"
	"gorm.io/datatypes"
)

// AttestationModel is the persistence model for the attestations table.
type AttestationModel struct {
	ID                string                                 `gorm:"type:uuid;primaryKey"`
	Account           string                                 `gorm:"type:varchar(64);not null;uniqueIndex:idx_attestations_key,priority:1"`
	Identifier        string                                 `gorm:"type:varchar(128);not null;uniqueIndex:idx_attestations_key,priority:2"`
	Issuer            string                                 `gorm:"type:varchar(64);not null;uniqueIndex:idx_attestations_key,priority:3"`
	PhoneNumber       string                                 `gorm:"type:varchar(32);not null"`
	CountryCode       *string                                `gorm:"type:varchar(4)"`
	Message           string                                 `gorm:"type:text;not null"`
	SecurityCode      *string                                `gorm:"type:varchar(16)"`
	AttestationCode   *string                                `gorm:"type:varchar(255)"`
	AppSignature      *string                                `gorm:"type:varchar(64)"`
	Language          *string                                `gorm:"type:varchar(16)"`
	Providers         string                                 `gorm:"type:varchar(255);not null;default:''"`
	Attempt           int                                    `gorm:"not null;default:0"`
	Status            domain.Status                          `gorm:"type:varchar(20);not null"`
	OngoingDeliveryID *string                                `gorm:"type:varchar(128);index:idx_attestations_ongoing_delivery_id"`
	Errors            datatypes.JSONSlice[domain.ErrorEntry] `gorm:"type:jsonb"`
	CompletedAt       *time.Time
	CreatedAt         time.Time `gorm:"index:idx_attestations_created_at"`
	UpdatedAt         time.Time
}

func (AttestationModel) TableName() string {
	return "attestations"
}

func attestationModelFromDomain(a *domain.Attestation) *AttestationModel {
	if a == nil {
		return nil
	}

	return &AttestationModel{
		ID:                a.ID,
		Account:           a.Key.Account,
		Identifier:        a.Key.Identifier,
		Issuer:            a.Key.Issuer,
		PhoneNumber:       a.PhoneNumber,
		CountryCode:       domain.StringPtr(a.CountryCode),
		Message:           a.Message,
		SecurityCode:      a.SecurityCode,
		AttestationCode:   a.AttestationCode,
		AppSignature:      a.AppSignature,
		Language:          a.Language,
		Providers:         strings.Join(a.Providers, ","),
		Attempt:           a.Attempt,
		Status:            a.Status,
		OngoingDeliveryID: a.OngoingDeliveryID,
		Errors:            datatypes.JSONSlice[domain.ErrorEntry](a.Errors),
		CompletedAt:       a.CompletedAt,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func attestationModelToDomain(m *AttestationModel) *domain.Attestation {
	if m == nil {
		return nil
	}

	a := &domain.Attestation{
		ID: m.ID,
		Key: domain.AttestationKey{
			Account:    m.Account,
			Identifier: m.Identifier,
			Issuer:     m.Issuer,
		},
		PhoneNumber:       m.PhoneNumber,
		Message:           m.Message,
		SecurityCode:      m.SecurityCode,
		AttestationCode:   m.AttestationCode,
		AppSignature:      m.AppSignature,
		Language:          m.Language,
		Providers:         splitProviders(m.Providers),
		Attempt:           m.Attempt,
		Status:            m.Status,
		OngoingDeliveryID: m.OngoingDeliveryID,
		Errors:            []domain.ErrorEntry(m.Errors),
		CompletedAt:       m.CompletedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	if m.CountryCode != nil {
		a.CountryCode = *m.CountryCode
	}
	return a
}

func splitProviders(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
