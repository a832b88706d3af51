// Package secret holds string values that must never be rendered in logs,
// error messages or serialized output.
package secret

const redacted = "[REDACTED]"

// String is a sensitive value such as a password. Every formatting and
// marshalling path renders it as [REDACTED]; Reveal returns the raw value.
type String string

// Reveal returns the underlying value.
func (s String) Reveal() string {
	return string(s)
}

// IsEmpty reports whether the value is empty.
func (s String) IsEmpty() bool {
	return s == ""
}

func (s String) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s String) GoString() string {
	return `secret.String("` + redacted + `")`
}

func (s String) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

func (s String) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
