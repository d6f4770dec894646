package upstream

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownUser is returned when a username matches no upstream user
	ErrUnknownUser = errors.New("unknown user")

	// ErrSessionRejected is returned when a freshly authenticated session is
	// rejected again
	ErrSessionRejected = errors.New("session rejected after re-authentication")

	// ErrNoStructuredData is returned by StructuredDetails when the record
	// lacks the requested field
	ErrNoStructuredData = errors.New("field not present in structured record")

	// ErrAvatarNotFound is returned when no avatar can be located or downloaded
	ErrAvatarNotFound = errors.New("avatar not found")

	// ErrProfilePageNotFound is returned when no profile page URL works
	ErrProfilePageNotFound = errors.New("profile page not found")
)

// AuthenticationError is returned when the service credential is refused.
// The process cannot serve requests without a session.
type AuthenticationError struct {
	Status int
	Err    error
}

func (e *AuthenticationError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("upstream authentication failed (status %d): %v", e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("upstream authentication failed: %v", e.Err)
	default:
		return fmt.Sprintf("upstream authentication failed (status %d)", e.Status)
	}
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// AmbiguousUserError lists the users sharing a name
type AmbiguousUserError struct {
	Username   string
	Candidates []Candidate
}

func (e *AmbiguousUserError) Error() string {
	labels := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		labels[i] = c.Label
	}
	return fmt.Sprintf("ambiguous user %q: %s", e.Username, strings.Join(labels, ", "))
}
