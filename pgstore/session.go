package pgstore

import (
	"github.com/google/uuid"

	"github.com/kiln-dev/sessions"
)

// Session is the working copy handed out by [Repository]. The embedded
// change tracking drives delta saves; primaryID is the surrogate row key,
// stable across ChangeSessionID.
type Session struct {
	*sessions.MapSession

	primaryID uuid.UUID
	isNew     bool
}

func newSession(ms *sessions.MapSession, primaryID uuid.UUID, isNew bool) *Session {
	return &Session{
		MapSession: ms,
		primaryID:  primaryID,
		isNew:      isNew,
	}
}

// principalOf extracts the principal index value, or "" when the session
// carries none or a non-string value.
func principalOf(s sessions.Session) string {
	v, ok := s.Attribute(sessions.PrincipalNameIndexName)
	if !ok {
		return ""
	}
	principal, ok := v.(string)
	if !ok {
		return ""
	}
	return principal
}
