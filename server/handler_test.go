package server

import (
	"fmt"
	"testing"
	"time"

	"fim/auth"
	"fim/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestHandler(env *testEnv, authenticator auth.Authenticator) *Handler {
	return NewHandler(authenticator, env.db, env.registry, env.delivery, time.Second, zerolog.Nop())
}

func mintFor(t *testing.T, tokens *auth.Service, id int64, name string) string {
	t.Helper()
	token, err := tokens.Mint(&models.User{ID: id, Username: name})
	require.NoError(t, err)
	return token
}

func TestHandlerRejectsExpiredToken(t *testing.T) {
	env := newTestEnv(t, false)
	ids := env.createUsers(t, "alice")

	expired := auth.NewService("test-secret", -time.Minute)
	token := mintFor(t, expired, ids[0], "alice")

	tokens := auth.NewService("test-secret", time.Hour)
	handler := newTestHandler(env, tokens)
	transport := newFakeTransport()

	handler.Run(transport, token)

	require.Equal(t, StateClosed, handler.State())
	require.True(t, transport.isClosed())
	require.Equal(t, websocket.ClosePolicyViolation, transport.closeCode)
	// No session entry was ever created.
	require.Zero(t, env.registry.Count())
	require.Empty(t, transport.sentFrames(t))
}

type slowAuthenticator struct {
	delay time.Duration
}

func (s *slowAuthenticator) Authenticate(token string) (models.Subject, error) {
	time.Sleep(s.delay)
	return models.Subject{ID: 1, Name: "alice"}, nil
}

func TestHandlerAuthTimeout(t *testing.T) {
	env := newTestEnv(t, false)
	handler := NewHandler(&slowAuthenticator{delay: time.Second}, env.db, env.registry, env.delivery, 10*time.Millisecond, zerolog.Nop())
	transport := newFakeTransport()

	handler.Run(transport, "whatever")

	require.Equal(t, StateClosed, handler.State())
	require.Equal(t, websocket.ClosePolicyViolation, transport.closeCode)
	require.Zero(t, env.registry.Count())
}

func TestHandlerFlushesBacklogOnConnect(t *testing.T) {
	env := newTestEnv(t, false)
	ids := env.createUsers(t, "alice", "bob")
	alice, bob := ids[0], ids[1]

	base := time.Now().UTC()
	_, err := env.db.Append(alice, bob, "while you were out", base)
	require.NoError(t, err)
	_, err = env.db.Append(alice, bob, "still here", base.Add(time.Millisecond))
	require.NoError(t, err)

	tokens := auth.NewService("test-secret", time.Hour)
	handler := newTestHandler(env, tokens)
	transport := newFakeTransport()

	handler.Run(transport, mintFor(t, tokens, bob, "bob"))

	frames := transport.sentFrames(t)
	require.Len(t, frames, 3)
	require.Equal(t, "welcome", frames[0].Type)
	require.Equal(t, bob, frames[0].SubjectID)
	require.Equal(t, "while you were out", frames[1].Content)
	require.Equal(t, "still here", frames[2].Content)

	backlog, err := env.db.UndeliveredFor(bob)
	require.NoError(t, err)
	require.Empty(t, backlog)

	// The connection ended (scripted transport ran out), so the entry is
	// released.
	require.Zero(t, env.registry.Count())
	require.Equal(t, StateClosed, handler.State())
}

func TestHandlerMalformedFrameIsNonFatal(t *testing.T) {
	env := newTestEnv(t, false)
	ids := env.createUsers(t, "alice", "bob")
	alice, bob := ids[0], ids[1]
	env.befriend(t, alice, bob)

	tokens := auth.NewService("test-secret", time.Hour)
	handler := newTestHandler(env, tokens)
	transport := newFakeTransport(
		`this is not json`,
		`{"text":"","recipients":[2]}`,
		fmt.Sprintf(`{"text":"made it","recipients":[%d]}`, bob),
	)

	handler.Run(transport, mintFor(t, tokens, alice, "alice"))

	frames := transport.sentFrames(t)
	// welcome + two error frames for the bad inputs.
	require.Len(t, frames, 3)
	require.Equal(t, "welcome", frames[0].Type)
	require.Equal(t, "error", frames[1].Type)
	require.Equal(t, "error", frames[2].Type)

	// The valid frame after the malformed ones was still processed.
	backlog, err := env.db.UndeliveredFor(bob)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	require.Equal(t, "made it", backlog[0].Content)
}

func TestHandlerUnauthorizedRecipientNotPersisted(t *testing.T) {
	env := newTestEnv(t, false)
	ids := env.createUsers(t, "alice", "stranger")
	alice, stranger := ids[0], ids[1]

	tokens := auth.NewService("test-secret", time.Hour)
	handler := newTestHandler(env, tokens)
	transport := newFakeTransport(
		fmt.Sprintf(`{"text":"hello?","recipients":[%d]}`, stranger),
	)

	handler.Run(transport, mintFor(t, tokens, alice, "alice"))

	backlog, err := env.db.UndeliveredFor(stranger)
	require.NoError(t, err)
	require.Empty(t, backlog)
}

func TestHandlerTeardownIdempotent(t *testing.T) {
	env := newTestEnv(t, false)
	ids := env.createUsers(t, "alice")

	tokens := auth.NewService("test-secret", time.Hour)
	handler := newTestHandler(env, tokens)
	transport := newFakeTransport()

	handler.Run(transport, mintFor(t, tokens, ids[0], "alice"))
	require.Equal(t, StateClosed, handler.State())

	// A second teardown (eviction racing disconnect) must not panic or
	// disturb the registry.
	handler.teardown(transport)
	require.Zero(t, env.registry.Count())
}
