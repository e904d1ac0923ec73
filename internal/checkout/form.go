package checkout

import (
	"sync"
	"time"
)

// FieldStatus is the display state of one input.
type FieldStatus int

const (
	Valid FieldStatus = iota
	Invalid
)

func (s FieldStatus) String() string {
	if s == Invalid {
		return "invalid"
	}
	return "valid"
}

// Form tracks input values and per-field error state. A field turns invalid only on
// blur (or a full validation) and is cleared again on the next keystroke.
type Form struct {
	mu     sync.Mutex
	values map[string]string
	errors map[string]string
	now    func() time.Time
}

// NewForm returns an empty form. now defaults to time.Now.
func NewForm(now func() time.Time) *Form {
	if now == nil {
		now = time.Now
	}
	return &Form{
		values: make(map[string]string),
		errors: make(map[string]string),
		now:    now,
	}
}

// Input records a keystroke: the value is formatted for the field and any error on
// it is cleared without re-validating. It returns the formatted value.
func (f *Form) Input(field, raw string) string {
	v := FormatInput(field, raw)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[field] = v
	delete(f.errors, field)
	return v
}

// Blur validates the field's current value and updates its state.
func (f *Form) Blur(field string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blurLocked(field)
}

func (f *Form) blurLocked(field string) error {
	err := ValidateField(field, f.values[field], f.now())
	if fe, ok := err.(*FieldError); ok {
		f.errors[field] = fe.Message
		return fe
	}
	delete(f.errors, field)
	return nil
}

// ValidateAll runs every required field's rule, touched or not, and returns the
// failures in form order.
func (f *Form) ValidateAll() []*FieldError {
	f.mu.Lock()
	defer f.mu.Unlock()
	var failed []*FieldError
	for _, field := range RequiredFields {
		if err := f.blurLocked(field); err != nil {
			failed = append(failed, err.(*FieldError))
		}
	}
	return failed
}

// State reports whether field is currently shown as invalid.
func (f *Form) State(field string) FieldStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, bad := f.errors[field]; bad {
		return Invalid
	}
	return Valid
}

// Error returns the message displayed for field, or "".
func (f *Form) Error(field string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errors[field]
}

// Errors returns a copy of the displayed messages keyed by field.
func (f *Form) Errors() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.errors))
	for k, v := range f.errors {
		out[k] = v
	}
	return out
}

// Values returns a copy of every submitted field value.
func (f *Form) Values() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

// Reset clears values and errors.
func (f *Form) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = make(map[string]string)
	f.errors = make(map[string]string)
}
