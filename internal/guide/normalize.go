package guide

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizePostalCode applies country-specific postal rules before the
// lineup lookup. The guide API expects market-level codes, not full
// delivery-point codes.
func NormalizePostalCode(country, postalCode string) string {
	switch strings.ToUpper(country) {
	case "USA":
		// Digits only, 5-digit ZIP, zero-padded when short
		var digits strings.Builder
		for _, r := range postalCode {
			if unicode.IsDigit(r) {
				digits.WriteRune(r)
			}
		}
		zip := digits.String()
		if len(zip) >= 5 {
			return zip[:5]
		}
		return strings.Repeat("0", 5-len(zip)) + zip

	case "CAN":
		// Forward sortation area: first three characters
		cleaned := strings.ToUpper(strings.NewReplacer(" ", "", "-", "").Replace(postalCode))
		if len(cleaned) >= 3 {
			return cleaned[:3]
		}
		return cleaned

	case "GBR":
		return normalizeUKOutwardCode(postalCode)
	}

	return postalCode
}

// normalizeUKOutwardCode extracts the outward code (the part before the
// space) from a UK postcode. Codes written without a space need the
// inward part (digit + two letters) stripped heuristically.
func normalizeUKOutwardCode(postalCode string) string {
	cleaned := strings.Join(strings.Fields(strings.ToUpper(postalCode)), " ")

	if i := strings.IndexByte(cleaned, ' '); i >= 0 {
		return cleaned[:i]
	}

	// No space: the inward section is always one digit and two letters
	if len(cleaned) >= 5 {
		tail := cleaned[len(cleaned)-3:]
		if unicode.IsDigit(rune(tail[0])) && unicode.IsLetter(rune(tail[1])) && unicode.IsLetter(rune(tail[2])) {
			return cleaned[:len(cleaned)-3]
		}
	}

	return cleaned
}

// CleanName canonicalizes a display name from the API: NFC-normalized,
// trimmed, internal whitespace collapsed
func CleanName(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}
