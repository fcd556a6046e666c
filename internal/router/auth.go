package router

import (
	"crypto/subtle"
	"errors"
)

// Verifier authenticates teacher register frames. Students never authenticate
// beyond the classroom code.
type Verifier interface {
	// VerifyTeacher maps a bearer token to a stable teacher identity.
	VerifyTeacher(token string) (identity string, err error)
}

var (
	// ErrTokenMissing is returned when the register frame carries no token.
	ErrTokenMissing = errors.New("router: teacher token missing")

	// ErrTokenInvalid is returned when the token matches no known teacher.
	ErrTokenInvalid = errors.New("router: teacher token invalid")
)

// StaticVerifier authenticates against a fixed identity → token table from
// the config file.
type StaticVerifier struct {
	tokens map[string]string
}

// NewStaticVerifier builds a verifier over the given identity → token map.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	return &StaticVerifier{tokens: tokens}
}

// VerifyTeacher implements [Verifier] with constant-time token comparison.
func (v *StaticVerifier) VerifyTeacher(token string) (string, error) {
	if token == "" {
		return "", ErrTokenMissing
	}
	for identity, want := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1 {
			return identity, nil
		}
	}
	return "", ErrTokenInvalid
}

// BypassVerifier accepts any connection as a fixed test identity. Only wired
// when test mode is enabled.
type BypassVerifier struct{}

// VerifyTeacher implements [Verifier]. The token, when present, doubles as
// the identity so tests can exercise multi-teacher flows.
func (BypassVerifier) VerifyTeacher(token string) (string, error) {
	if token == "" {
		return "test-teacher", nil
	}
	return token, nil
}
