package checkout

import "strings"

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FormatCardNumber strips non-digits and groups the rest in clusters of four.
func FormatCardNumber(raw string) string {
	digits := digitsOnly(raw)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FormatExpiry keeps up to four digits and inserts a slash once two are typed.
func FormatExpiry(raw string) string {
	digits := digitsOnly(raw)
	if len(digits) < 2 {
		return digits
	}
	if len(digits) > 4 {
		digits = digits[:4]
	}
	return digits[:2] + "/" + digits[2:]
}

// FormatCVV keeps at most four digits.
func FormatCVV(raw string) string {
	digits := digitsOnly(raw)
	if len(digits) > 4 {
		digits = digits[:4]
	}
	return digits
}

// FormatInput applies the as-you-type formatting for field. Fields without a
// formatter are returned unchanged.
func FormatInput(field, raw string) string {
	switch field {
	case FieldCardNumber:
		return FormatCardNumber(raw)
	case FieldExpiryDate:
		return FormatExpiry(raw)
	case FieldCVV:
		return FormatCVV(raw)
	}
	return raw
}
