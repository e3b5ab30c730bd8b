package queue

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/attestation-engine/internal/domain"
)

// RetryMessage is the broker payload for a scheduled delivery attempt.
type RetryMessage struct {
	Account       string `json:"account"`
	Identifier    string `json:"identifier"`
	Issuer        string `json:"issuer"`
	Attempt       int    `json:"attempt"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func RetryMessageFromJob(job domain.ReattemptJob) RetryMessage {
	return RetryMessage{
		Account:    job.Key.Account,
		Identifier: job.Key.Identifier,
		Issuer:     job.Key.Issuer,
		Attempt:    job.Attempt,
	}
}

func (m RetryMessage) Job() domain.ReattemptJob {
	return domain.ReattemptJob{
		Key: domain.AttestationKey{
			Account:    m.Account,
			Identifier: m.Identifier,
			Issuer:     m.Issuer,
		},
		Attempt: m.Attempt,
	}
}

// MessageID is stable per key and attempt, so duplicates are recognizable.
func (m RetryMessage) MessageID() string {
	return fmt.Sprintf("%s/%s/%s#%d", m.Account, m.Identifier, m.Issuer, m.Attempt)
}

func (m RetryMessage) Validate() error {
	if strings.TrimSpace(m.Account) == "" || strings.TrimSpace(m.Identifier) == "" || strings.TrimSpace(m.Issuer) == "" {
		return fmt.Errorf("attestation key is incomplete")
	}
	if m.Attempt < 0 {
		return fmt.Errorf("invalid attempt %d", m.Attempt)
	}
	return nil
}
