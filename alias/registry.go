// Package alias implements generation and tracking of the short pseudonymous
// identifiers exchanged during a handshake.
//
// An alias is 6 cryptographically random bytes rendered as 12 lowercase hex
// characters. Uniqueness is only guaranteed against aliases this instance
// already knows; there is no global coordination.
package alias

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"
)

// Length is the number of hex characters in an alias.
const Length = 12

const aliasBytes = Length / 2

// maxGenerateAttempts bounds the collision retry loop. With a 48-bit space
// this is a safety valve, not an expected path.
const maxGenerateAttempts = 100

var (
	// ErrAliasExhausted is returned when every generation attempt collided
	// with a known alias.
	ErrAliasExhausted = errors.New("alias space exhausted")

	// ErrInvalidAliasFormat is returned for values that are not 12 lowercase
	// hex characters.
	ErrInvalidAliasFormat = errors.New("invalid alias format")
)

var aliasPattern = regexp.MustCompile(`^[0-9a-f]{12}$`)

// Valid reports whether s is a well-formed alias.
func Valid(s string) bool {
	return aliasPattern.MatchString(s)
}

// Registry tracks every alias known to this instance, both locally generated
// and learned from counterparties.
type Registry struct {
	mu    sync.Mutex
	known map[string]struct{}
}

// NewRegistry creates an empty alias registry.
func NewRegistry() *Registry {
	return &Registry{known: make(map[string]struct{})}
}

// GenerateUnique returns a fresh alias that does not collide with any known
// alias and reserves it.
func (r *Registry) GenerateUnique() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		var buf [aliasBytes]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("alias randomness: %w", err)
		}
		candidate := hex.EncodeToString(buf[:])
		if _, taken := r.known[candidate]; taken {
			continue
		}
		r.known[candidate] = struct{}{}
		return candidate, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "GenerateUnique",
		"attempts": maxGenerateAttempts,
		"known":    len(r.known),
	}).Error("Alias generation exhausted all attempts")

	return "", ErrAliasExhausted
}

// Reserve records an externally learned alias so future generations avoid it.
func (r *Registry) Reserve(a string) error {
	if !Valid(a) {
		return fmt.Errorf("%w: %q", ErrInvalidAliasFormat, a)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[a] = struct{}{}
	return nil
}

// Release forgets an alias, making it available to generation again.
func (r *Registry) Release(a string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.known, a)
}

// Known reports whether the alias has been reserved or generated.
func (r *Registry) Known(a string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.known[a]
	return ok
}

// Size returns the number of known aliases.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.known)
}
