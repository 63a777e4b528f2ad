package sessions

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is returned when the backend store is
	// unreachable, times out, or fails a transport-level operation. It is
	// never folded into "not found": absence is only reported when the
	// backend authoritatively reports it.
	ErrStorageUnavailable = errors.New("session storage unavailable")

	// ErrAttributeMissing is returned by RequiredAttribute when the named
	// attribute is absent.
	ErrAttributeMissing = errors.New("session attribute missing")

	// ErrNotSerializable is returned when an attribute value cannot be
	// encoded by the backend codec. Surfaced at Save time, never dropped.
	ErrNotSerializable = errors.New("attribute value not serializable")

	// ErrInvalidArgument is returned on construction-time misuse, such as a
	// nil backend client or a foreign Session type passed to Save.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSessionNotFound is returned by Save when the session id no longer
	// exists in the backend, i.e. the save raced a concurrent delete or
	// expiry. The write is not applied; a deleted session is never
	// resurrected.
	ErrSessionNotFound = errors.New("session not found")
)

// MissingAttributeError reports a required attribute that was absent. It
// unwraps to [ErrAttributeMissing].
type MissingAttributeError struct {
	Name string
}

func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("session attribute missing: %q", e.Name)
}

func (e *MissingAttributeError) Unwrap() error { return ErrAttributeMissing }

// NotSerializableError reports an attribute value of a type the backend
// codec does not support. It unwraps to [ErrNotSerializable].
type NotSerializableError struct {
	Attribute string
	Type      string
}

func (e *NotSerializableError) Error() string {
	if e.Attribute == "" {
		return fmt.Sprintf("attribute value not serializable: unsupported type %s", e.Type)
	}
	return fmt.Sprintf("attribute %q not serializable: unsupported type %s", e.Attribute, e.Type)
}

func (e *NotSerializableError) Unwrap() error { return ErrNotSerializable }
