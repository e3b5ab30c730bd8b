// Package phone wraps libphonenumber lookups used by attestation delivery.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// CountryCode returns the ISO 3166-1 alpha-2 region for an E.164 number.
// Numbers that parse but match no region's numbering plan, such as
// unassigned NANP ranges, resolve to the calling code's main region.
func CountryCode(number string) (string, bool) {
	num, err := phonenumbers.Parse(strings.TrimSpace(number), "")
	if err != nil {
		return "", false
	}

	region := phonenumbers.GetRegionCodeForNumber(num)
	if region == "" || region == unknownRegion {
		region = phonenumbers.GetRegionCodeForCountryCode(int(num.GetCountryCode()))
	}
	if region == "" || region == unknownRegion {
		return "", false
	}
	return region, true
}

const unknownRegion = "ZZ"

// NumberType returns a metrics friendly label for the number's line type.
func NumberType(number string) string {
	num, err := phonenumbers.Parse(strings.TrimSpace(number), "")
	if err != nil {
		return "unknown"
	}

	switch phonenumbers.GetNumberType(num) {
	case phonenumbers.FIXED_LINE:
		return "fixed_line"
	case phonenumbers.MOBILE:
		return "mobile"
	case phonenumbers.FIXED_LINE_OR_MOBILE:
		return "fixed_line_or_mobile"
	case phonenumbers.TOLL_FREE:
		return "toll_free"
	case phonenumbers.PREMIUM_RATE:
		return "premium_rate"
	case phonenumbers.SHARED_COST:
		return "shared_cost"
	case phonenumbers.VOIP:
		return "voip"
	case phonenumbers.PERSONAL_NUMBER:
		return "personal_number"
	case phonenumbers.PAGER:
		return "pager"
	case phonenumbers.UAN:
		return "uan"
	case phonenumbers.VOICEMAIL:
		return "voicemail"
	default:
		return "unknown"
	}
}

const visiblePrefix = 5

// Obfuscate masks all but the leading digits of a number for logs and
// error messages.
func Obfuscate(number string) string {
	trimmed := strings.TrimSpace(number)
	if len(trimmed) <= visiblePrefix {
		return strings.Repeat("*", len(trimmed))
	}
	return trimmed[:visiblePrefix] + strings.Repeat("*", len(trimmed)-visiblePrefix)
}
