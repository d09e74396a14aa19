package srv

import (
	"github.com/puzpuzpuz/xsync/v4"
)

// registry maps session IDs to open sessions.
//
// Only the admission path inserts and only the owning session removes, so a
// concurrent map is enough to keep readers from seeing a partial update.
type registry struct {
	sessions *xsync.Map[string, *Session]
}

func newRegistry() *registry {
	return &registry{sessions: xsync.NewMap[string, *Session]()}
}

// insert stores s under id, replacing any previous entry.
func (r *registry) insert(id string, s *Session) {
	r.sessions.Store(id, s)
}

// remove deletes id. Removing an unknown id is a no-op.
func (r *registry) remove(id string) {
	r.sessions.Delete(id)
}

func (r *registry) get(id string) (*Session, bool) {
	return r.sessions.Load(id)
}

// snapshot copies the current sessions so callers can iterate without
// holding up writers.
func (r *registry) snapshot() []*Session {
	out := make([]*Session, 0, r.sessions.Size())
	r.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

func (r *registry) len() int {
	return r.sessions.Size()
}
