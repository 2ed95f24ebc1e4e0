// Package identity binds transport sessions to person identities. The
// binding is established by the transport layer (voice satellite
// pairing, authenticated HTTP session) — never inferred from request
// text. A request claiming "I am the owner" is not identity evidence.
package identity

import (
	"log/slog"
	"sync"

	"github.com/hearthd/hearth/internal/trust"
)

// Binding associates a session with a person at a given confidence.
// Confidence comes from the upstream speaker verifier; HTTP sessions
// authenticated by token are bound at confidence 1.0.
type Binding struct {
	SessionID string
	PersonID  string
	// Confidence in [0,1]. Below the resolver's threshold the binding
	// is ignored and the speaker resolves to Guest.
	Confidence float64
}

// DirectoryLookup is the slice of trust.Directory the resolver needs.
type DirectoryLookup interface {
	Lookup(id string) (trust.Person, error)
}

// Resolver maps session IDs to trust records. Bindings are registered
// by transports as sessions are established and dropped on disconnect.
type Resolver struct {
	directory DirectoryLookup
	threshold float64
	logger    *slog.Logger

	mu       sync.RWMutex
	bindings map[string]Binding
}

// NewResolver creates a resolver. Speakers whose binding confidence is
// below threshold resolve to Guest — never to any higher level.
func NewResolver(directory DirectoryLookup, threshold float64, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		directory: directory,
		threshold: threshold,
		logger:    logger,
		bindings:  make(map[string]Binding),
	}
}

// Bind registers (or replaces) a session binding.
func (r *Resolver) Bind(b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[b.SessionID] = b
}

// Unbind drops a session binding. No-op for unknown sessions.
func (r *Resolver) Unbind(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, sessionID)
}

// ResolveSpeaker returns the trust record for a session, with the
// binding's confidence. Unknown sessions and bindings below the
// confidence threshold resolve to Guest.
func (r *Resolver) ResolveSpeaker(sessionID string) (trust.Person, float64) {
	r.mu.RLock()
	b, ok := r.bindings[sessionID]
	r.mu.RUnlock()

	if !ok {
		return trust.GuestPerson(), 0
	}
	if b.Confidence < r.threshold {
		r.logger.Debug("speaker confidence below threshold, resolving to guest",
			"session", sessionID,
			"confidence", b.Confidence,
			"threshold", r.threshold,
		)
		return trust.GuestPerson(), b.Confidence
	}

	person, err := r.directory.Lookup(b.PersonID)
	if err != nil {
		// A directory failure must not promote anyone.
		r.logger.Warn("directory lookup failed, resolving to guest",
			"session", sessionID, "person", b.PersonID, "error", err)
		return trust.GuestPerson(), b.Confidence
	}
	return person, b.Confidence
}
