package domain

import (
	"fmt"
	"unicode/utf8"
)

// Column widths of the attestations table. Request validation checks the
// same limits so an accepted request always fits.
const (
	MaxAccountLength         = 64
	MaxIdentifierLength      = 128
	MaxIssuerLength          = 64
	MaxPhoneNumberLength     = 32
	MaxSecurityCodeLength    = 16
	MaxAttestationCodeLength = 255
	MaxAppSignatureLength    = 64
	MaxLanguageLength        = 16
)

// CheckLength rejects values longer than limit characters.
func CheckLength(field, value string, limit int) error {
	if n := utf8.RuneCountInString(value); n > limit {
		return fmt.Errorf("%w: %s is %d characters, limit is %d", ErrValidation, field, n, limit)
	}
	return nil
}
