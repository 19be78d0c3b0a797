package server

import (
	"testing"
	"time"

	"fim/models"

	"github.com/stretchr/testify/require"
)

func TestDeliverUnauthorizedCreatesNoRow(t *testing.T) {
	env := newTestEnv(t, false)
	ids := env.createUsers(t, "alice", "bob")
	alice, bob := ids[0], ids[1]

	handle := newFakeHandle()
	env.registry.Register(models.Subject{ID: bob, Name: "bob"}, handle, nil)

	outcomes := env.delivery.Deliver(alice, "alice", []int64{bob}, "hi")
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeUnauthorized, outcomes[0].Kind)
	require.Equal(t, bob, outcomes[0].RecipientID)

	// No persistence and no send for an unauthorized recipient.
	backlog, err := env.db.UndeliveredFor(bob)
	require.NoError(t, err)
	require.Empty(t, backlog)
	require.Empty(t, handle.sentFrames(t))
}

func TestDeliverLiveMarksDelivered(t *testing.T) {
	env := newTestEnv(t, false)
	ids := env.createUsers(t, "alice", "bob")
	alice, bob := ids[0], ids[1]
	env.befriend(t, alice, bob)

	handle := newFakeHandle()
	env.registry.Register(models.Subject{ID: bob, Name: "bob"}, handle, nil)

	outcomes := env.delivery.Deliver(alice, "alice", []int64{bob}, "hi")
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeDeliveredLive, outcomes[0].Kind)

	frames := handle.sentFrames(t)
	require.Len(t, frames, 1)
	require.Equal(t, "message", frames[0].Type)
	require.Equal(t, alice, frames[0].SenderID)
	require.Equal(t, "alice", frames[0].SenderName)
	require.Equal(t, "hi", frames[0].Content)

	backlog, err := env.db.UndeliveredFor(bob)
	require.NoError(t, err)
	require.Empty(t, backlog)
}

func TestDeliverOfflineQueues(t *testing.T) {
	env := newTestEnv(t, false)
	ids := env.createUsers(t, "alice", "bob")
	alice, bob := ids[0], ids[1]
	env.befriend(t, alice, bob)

	outcomes := env.delivery.Deliver(alice, "alice", []int64{bob}, "hi")
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeQueued, outcomes[0].Kind)

	backlog, err := env.db.UndeliveredFor(bob)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	require.Equal(t, "hi", backlog[0].Content)
	require.False(t, backlog[0].Delivered)
}

func TestDeliverSinkFailureLeavesQueued(t *testing.T) {
	env := newTestEnv(t, false)
	ids := env.createUsers(t, "alice", "bob")
	alice, bob := ids[0], ids[1]
	env.befriend(t, alice, bob)

	failing := newFakeHandle()
	failing.failAfter = 0
	env.registry.Register(models.Subject{ID: bob, Name: "bob"}, failing, nil)

	outcomes := env.delivery.Deliver(alice, "alice", []int64{bob}, "hi")
	require.Equal(t, OutcomeQueued, outcomes[0].Kind)

	// The flag never flipped; a later flush over a working handle delivers
	// the message exactly once.
	working := newFakeHandle()
	count, err := env.delivery.FlushBacklog(bob, working)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, "hi", working.sentFrames(t)[0].Content)

	count, err = env.delivery.FlushBacklog(bob, working)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestDeliverFanOutIndependence(t *testing.T) {
	env := newTestEnv(t, false)
	ids := env.createUsers(t, "sender", "offline", "failing", "healthy")
	sender, offline, failing, healthy := ids[0], ids[1], ids[2], ids[3]
	env.befriend(t, sender, offline)
	env.befriend(t, sender, failing)
	env.befriend(t, sender, healthy)

	failingHandle := newFakeHandle()
	failingHandle.failAfter = 0
	env.registry.Register(models.Subject{ID: failing, Name: "failing"}, failingHandle, nil)

	healthyHandle := newFakeHandle()
	env.registry.Register(models.Subject{ID: healthy, Name: "healthy"}, healthyHandle, nil)

	outcomes := env.delivery.Deliver(sender, "sender", []int64{offline, failing, healthy}, "hi")
	require.Len(t, outcomes, 3)
	require.Equal(t, OutcomeQueued, outcomes[0].Kind)
	require.Equal(t, OutcomeQueued, outcomes[1].Kind)
	require.Equal(t, OutcomeDeliveredLive, outcomes[2].Kind)

	// The healthy recipient got the frame and their row is marked.
	require.Len(t, healthyHandle.sentFrames(t), 1)
	backlog, err := env.db.UndeliveredFor(healthy)
	require.NoError(t, err)
	require.Empty(t, backlog)

	for _, id := range []int64{offline, failing} {
		backlog, err := env.db.UndeliveredFor(id)
		require.NoError(t, err)
		require.Len(t, backlog, 1)
	}
}

func TestFlushBacklogOrdered(t *testing.T) {
	env := newTestEnv(t, false)
	ids := env.createUsers(t, "alice", "bob")
	alice, bob := ids[0], ids[1]

	base := time.Now().UTC()
	for i, content := range []string{"one", "two", "three"} {
		_, err := env.db.Append(alice, bob, content, base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}

	handle := newFakeHandle()
	count, err := env.delivery.FlushBacklog(bob, handle)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	frames := handle.sentFrames(t)
	require.Len(t, frames, 3)
	for i, content := range []string{"one", "two", "three"} {
		require.Equal(t, content, frames[i].Content)
		require.Equal(t, "alice", frames[i].SenderName)
	}

	// Nothing left, nothing duplicated.
	count, err = env.delivery.FlushBacklog(bob, handle)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestFlushBacklogStopsOnFailure(t *testing.T) {
	env := newTestEnv(t, false)
	ids := env.createUsers(t, "alice", "bob")
	alice, bob := ids[0], ids[1]

	base := time.Now().UTC()
	for i, content := range []string{"one", "two", "three"} {
		_, err := env.db.Append(alice, bob, content, base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}

	handle := newFakeHandle()
	handle.failAfter = 1
	count, err := env.delivery.FlushBacklog(bob, handle)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// The undelivered remainder is intact and still ordered.
	backlog, err := env.db.UndeliveredFor(bob)
	require.NoError(t, err)
	require.Len(t, backlog, 2)
	require.Equal(t, "two", backlog[0].Content)
	require.Equal(t, "three", backlog[1].Content)
}

func TestDeliverEchoToSender(t *testing.T) {
	env := newTestEnv(t, true)
	ids := env.createUsers(t, "alice", "bob")
	alice, bob := ids[0], ids[1]
	env.befriend(t, alice, bob)

	senderHandle := newFakeHandle()
	env.registry.Register(models.Subject{ID: alice, Name: "alice"}, senderHandle, nil)

	outcomes := env.delivery.Deliver(alice, "alice", []int64{bob}, "hi")
	require.Equal(t, OutcomeQueued, outcomes[0].Kind)

	frames := senderHandle.sentFrames(t)
	require.Len(t, frames, 1)
	require.Equal(t, "hi", frames[0].Content)
	require.Equal(t, alice, frames[0].SenderID)
}

func TestDeliverNoEchoForUnauthorized(t *testing.T) {
	env := newTestEnv(t, true)
	ids := env.createUsers(t, "alice", "bob")
	alice, bob := ids[0], ids[1]

	senderHandle := newFakeHandle()
	env.registry.Register(models.Subject{ID: alice, Name: "alice"}, senderHandle, nil)

	env.delivery.Deliver(alice, "alice", []int64{bob}, "hi")
	require.Empty(t, senderHandle.sentFrames(t))
}
