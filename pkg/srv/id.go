package srv

import (
	"github.com/google/uuid"
)

// maxIDAttempts bounds how often a colliding session ID is redrawn.
const maxIDAttempts = 8

// IDGenerator produces session identities. Identities only need to be unique
// among live sessions; the registry rejects collisions.
type IDGenerator func() string

// NewID returns a random 128-bit identity in canonical UUID form.
func NewID() string {
	return uuid.NewString()
}

// nextSessionID draws identities until one is not held by a live session.
func (s *Server) nextSessionID() (string, bool) {
	for range maxIDAttempts {
		id := s.cfg.NewID()
		if id == "" {
			continue
		}
		if _, taken := s.registry.get(id); !taken {
			return id, true
		}
	}
	return "", false
}
