package redisstore

import (
	"github.com/kiln-dev/sessions"
)

// Session is the working copy handed out by [Repository]. It embeds a
// [sessions.MapSession] and additionally remembers whether the session has
// been persisted yet and under which principal, so Save can compute the
// index delta.
type Session struct {
	*sessions.MapSession

	isNew         bool
	lastPrincipal string
}

func newSession(ms *sessions.MapSession, isNew bool) *Session {
	return &Session{
		MapSession:    ms,
		isNew:         isNew,
		lastPrincipal: principalOf(ms),
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
