package id

import "fmt"

// MalformedIdError is returned when a string or path does not match
// the grammar of the id it is being parsed as.
type MalformedIdError struct {
	Raw    string
	Reason string
}

func (e *MalformedIdError) Error() string {
	return fmt.Sprintf("malformed id %q: %s", e.Raw, e.Reason)
}

func malformed(raw, format string, args ...interface{}) error {
	return &MalformedIdError{Raw: raw, Reason: fmt.Sprintf(format, args...)}
}
