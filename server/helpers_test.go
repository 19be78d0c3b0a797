package server

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"fim/db"
	"fim/protocol"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

type testEnv struct {
	db       *db.DB
	registry *Registry
	delivery *Delivery
}

func newTestEnv(t *testing.T, echoToSender bool) *testEnv {
	t.Helper()
	database := newTestDB(t)
	registry := NewRegistry()
	return &testEnv{
		db:       database,
		registry: registry,
		delivery: NewDelivery(database, database, database, registry, echoToSender, zerolog.Nop()),
	}
}

func (e *testEnv) createUsers(t *testing.T, usernames ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(usernames))
	for _, username := range usernames {
		id, err := e.db.CreateUser(username, "password123")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func (e *testEnv) befriend(t *testing.T, a, b int64) {
	t.Helper()
	require.NoError(t, e.db.SendFriendRequest(a, b))
	require.NoError(t, e.db.AcceptFriendRequest(b, a))
}

// fakeHandle is a scriptable connection sink: it records sent frames and can
// be told to fail after a number of successful sends.
type fakeHandle struct {
	mu        sync.Mutex
	sent      [][]byte
	failAfter int // sends that succeed before failures start; -1 = never fail
	closed    bool
	closeCode int
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{failAfter: -1}
}

func (f *fakeHandle) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("handle closed")
	}
	if f.failAfter >= 0 && len(f.sent) >= f.failAfter {
		return errors.New("sink failure")
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeHandle) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.closeCode = code
}

func (f *fakeHandle) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeHandle) sentFrames(t *testing.T) []protocol.ServerFrame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := make([]protocol.ServerFrame, 0, len(f.sent))
	for _, data := range f.sent {
		var frame protocol.ServerFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		frames = append(frames, frame)
	}
	return frames
}

// fakeTransport feeds the handler a scripted sequence of inbound frames and
// then reports the connection as gone.
type fakeTransport struct {
	*fakeHandle
	inbound [][]byte
	next    int
}

func newFakeTransport(inbound ...string) *fakeTransport {
	frames := make([][]byte, 0, len(inbound))
	for _, frame := range inbound {
		frames = append(frames, []byte(frame))
	}
	return &fakeTransport{fakeHandle: newFakeHandle(), inbound: frames}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	if f.isClosed() || f.next >= len(f.inbound) {
		return nil, errors.New("connection gone")
	}
	frame := f.inbound[f.next]
	f.next++
	return frame, nil
}
