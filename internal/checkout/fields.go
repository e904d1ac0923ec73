// Package checkout implements the checkout form rules, order totals and the
// simulated order submission.
package checkout

// Form field names.
const (
	FieldEmail      = "email"
	FieldFirstName  = "firstName"
	FieldLastName   = "lastName"
	FieldAddress    = "address"
	FieldCity       = "city"
	FieldState      = "state"
	FieldZipCode    = "zipCode"
	FieldCardNumber = "cardNumber"
	FieldExpiryDate = "expiryDate"
	FieldCVV        = "cvv"
)

// RequiredFields lists every required input in form order.
var RequiredFields = []string{
	FieldEmail,
	FieldFirstName,
	FieldLastName,
	FieldAddress,
	FieldCity,
	FieldState,
	FieldZipCode,
	FieldCardNumber,
	FieldExpiryDate,
	FieldCVV,
}

var labels = map[string]string{
	FieldEmail:      "Email address",
	FieldFirstName:  "First name",
	FieldLastName:   "Last name",
	FieldAddress:    "Street address",
	FieldCity:       "City",
	FieldState:      "State",
	FieldZipCode:    "ZIP code",
	FieldCardNumber: "Card number",
	FieldExpiryDate: "Expiry date",
	FieldCVV:        "CVV",
}

// Label is the human-readable name of a field; unknown fields are returned as is.
func Label(field string) string {
	if l, ok := labels[field]; ok {
		return l
	}
	return field
}

// ErrorElementID is the id of the element that shows a field's message.
func ErrorElementID(field string) string { return field + "-error" }

// IsRequired reports whether field is part of the required schema.
func IsRequired(field string) bool {
	_, ok := labels[field]
	return ok
}
