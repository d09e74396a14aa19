package srv

import (
	"context"
	"time"

	"github.com/codeGROOVE-dev/fido"

	"github.com/codeGROOVE-dev/wsbus/pkg/logger"
)

const (
	// defaultTombstoneSize bounds how many closed sessions are remembered.
	defaultTombstoneSize = 4096

	// defaultTombstoneTTL is how long a closed session is remembered. Long
	// enough for a handler still holding the ID to learn it went away.
	defaultTombstoneTTL = 5 * time.Minute
)

// CloseInfo describes how a session ended. It is the payload of the "close"
// event.
type CloseInfo struct {
	ClosedAt time.Time `json:"closed_at"`
	ID       string    `json:"id"`
	Reason   string    `json:"reason,omitempty"`
	Code     int       `json:"code"`
}

// tombstones remembers recently closed sessions so sends to them fail with
// ErrSessionClosed rather than ErrUnknownSession.
type tombstones struct {
	cache *fido.Cache[string, CloseInfo]
}

func newTombstones(size int, ttl time.Duration) *tombstones {
	return &tombstones{
		cache: fido.New[string, CloseInfo](
			fido.Size(size),
			fido.TTL(ttl),
		),
	}
}

func (t *tombstones) record(ctx context.Context, info CloseInfo) {
	if info.ID == "" {
		return
	}
	t.cache.Set(info.ID, info)

	logger.Debug(ctx, "tombstone recorded", logger.Fields{
		"session_id": info.ID,
		"code":       info.Code,
		"tombstones": t.cache.Len(),
	})
}

func (t *tombstones) lookup(id string) (CloseInfo, bool) {
	if id == "" {
		return CloseInfo{}, false
	}
	return t.cache.Get(id)
}
