package snapshot

import (
	"context"
	"encoding/json"
)

// Lobby is the persisted subset of a lobby's coordination state. Connection
// ids and live membership are transient and deliberately absent.
type Lobby struct {
	LeaderDeviceID     string          `json:"leaderDeviceId,omitempty"`
	LastSequenceNumber uint64          `json:"lastSequenceNumber"`
	State              json.RawMessage `json:"state,omitempty"`
}

// Document is the whole registry's persisted state, keyed by lobby id. It is
// always read and written as one unit (atomic file replace or a single
// remote key) so there is no partial-update mode to reason about.
type Document map[string]Lobby

// Store reads and writes the snapshot document. Implementations are a cache
// of in-memory truth, not a source of truth: callers tolerate failed writes
// and treat a failed read as an empty document.
type Store interface {
	Read(ctx context.Context) (Document, error)
	Write(ctx context.Context, doc Document) error
}

// Clone deep-copies a document so the caller can hand it to a background
// writer while continuing to mutate its own copy.
func Clone(doc Document) Document {
	out := make(Document, len(doc))
	for id, lb := range doc {
		if lb.State != nil {
			lb.State = append(json.RawMessage(nil), lb.State...)
		}
		out[id] = lb
	}
	return out
}
