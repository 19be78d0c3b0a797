package server

import (
	"sync"

	"fim/models"

	"github.com/gorilla/websocket"
)

// Handle is the outbound side of a live connection. Send must be safe for
// concurrent callers and must not block past the configured send timeout;
// Close must be idempotent.
type Handle interface {
	Send(payload []byte) error
	Close(code int, reason string)
}

type sessionEntry struct {
	subject models.Subject
	handle  Handle
	peerIDs map[int64]struct{}
}

// Registry tracks which subjects are currently reachable. It holds at most
// one entry per subject id; all operations go through one mutex.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[int64]*sessionEntry)}
}

// Register installs the session entry for a subject. An existing entry is
// replaced and its handle is told to terminate; the return value reports
// whether that happened. The peer set is a display snapshot only, sends are
// authorized against the friendship store at delivery time.
func (r *Registry) Register(subject models.Subject, handle Handle, peerIDs []int64) (evicted bool) {
	peers := make(map[int64]struct{}, len(peerIDs))
	for _, id := range peerIDs {
		peers[id] = struct{}{}
	}
	entry := &sessionEntry{subject: subject, handle: handle, peerIDs: peers}

	r.mu.Lock()
	prev, replaced := r.entries[subject.ID]
	r.entries[subject.ID] = entry
	r.mu.Unlock()

	// Closing outside the lock: the old connection's read loop fails and
	// its teardown runs, but its Deregister is a no-op because the entry
	// no longer holds its handle.
	if replaced {
		prev.handle.Close(websocket.CloseNormalClosure, "session replaced")
	}
	return replaced
}

// Deregister removes the subject's entry, but only if it still holds the
// given handle. An evicted connection tearing down late must not delete its
// replacement's entry.
func (r *Registry) Deregister(subjectID int64, handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[subjectID]; ok && entry.handle == handle {
		delete(r.entries, subjectID)
	}
}

func (r *Registry) Lookup(subjectID int64) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[subjectID]
	if !ok {
		return nil, false
	}
	return entry.handle, true
}

func (r *Registry) IsOnline(subjectID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[subjectID]
	return ok
}

// Peers returns the peer-id snapshot captured at registration time.
func (r *Registry) Peers(subjectID int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[subjectID]
	if !ok {
		return nil
	}
	peers := make([]int64, 0, len(entry.peerIDs))
	for id := range entry.peerIDs {
		peers = append(peers, id)
	}
	return peers
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the subjects currently online, for stats and shutdown.
func (r *Registry) Snapshot() []models.Subject {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subjects := make([]models.Subject, 0, len(r.entries))
	for _, entry := range r.entries {
		subjects = append(subjects, entry.subject)
	}
	return subjects
}
