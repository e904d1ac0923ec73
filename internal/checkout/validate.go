package checkout

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Form-level messages.
const (
	MsgFixErrors = "Please fix the errors above"
	MsgEmptyCart = "Your cart is empty"
)

var (
	emailPattern  = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	expiryPattern = regexp.MustCompile(`^(0[1-9]|1[0-2])/([0-9]{2})$`)
	zipPattern    = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	digitsPattern = regexp.MustCompile(`^\d+$`)
)

// FieldError is a failed field rule and the message shown next to the field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Message }

// ValidationError is returned by a submit whose fields did not all pass.
type ValidationError struct {
	Fields []*FieldError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s (%d invalid fields)", MsgFixErrors, len(e.Fields))
}

// IsValidation reports whether err is a user-correctable field failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	var fe *FieldError
	return errors.As(err, &ve) || errors.As(err, &fe)
}

// FieldMessages maps each failed field in err to its message. It is empty when err
// is not a validation failure.
func FieldMessages(err error) map[string]string {
	out := make(map[string]string)
	var ve *ValidationError
	var fe *FieldError
	switch {
	case errors.As(err, &ve):
		for _, f := range ve.Fields {
			out[f.Field] = f.Message
		}
	case errors.As(err, &fe):
		out[fe.Field] = fe.Message
	}
	return out
}

// ValidateField applies the field's rule to its trimmed value. now anchors the
// expiry check; only month and year are compared.
func ValidateField(field, value string, now time.Time) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return &FieldError{Field: field, Message: Label(field) + " is required"}
	}

	fail := func(msg string) error { return &FieldError{Field: field, Message: msg} }

	switch field {
	case FieldEmail:
		if !emailPattern.MatchString(value) {
			return fail("Please enter a valid email address")
		}
	case FieldCardNumber:
		digits := strings.ReplaceAll(value, " ", "")
		if !digitsPattern.MatchString(digits) || len(digits) < 13 || len(digits) > 19 {
			return fail("Please enter a valid card number")
		}
	case FieldExpiryDate:
		m := expiryPattern.FindStringSubmatch(value)
		if m == nil {
			return fail("Please enter a valid expiry date (MM/YY)")
		}
		if expired(m[1], m[2], now) {
			return fail("Card has expired")
		}
	case FieldCVV:
		if !digitsPattern.MatchString(value) || len(value) < 3 || len(value) > 4 {
			return fail("Please enter a valid CVV")
		}
	case FieldZipCode:
		if !zipPattern.MatchString(value) {
			return fail("Please enter a valid ZIP code")
		}
	}
	return nil
}

// expired compares a two-digit year against the current year mod 100, so "00" is
// always in the past until the century turns.
func expired(mm, yy string, now time.Time) bool {
	month, _ := strconv.Atoi(mm)
	year, _ := strconv.Atoi(yy)
	curYear := now.Year() % 100
	curMonth := int(now.Month())
	return year < curYear || (year == curYear && month < curMonth)
}
