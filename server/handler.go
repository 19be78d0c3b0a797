package server

import (
	"errors"
	"sync"
	"time"

	"fim/auth"
	"fim/models"
	"fim/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateRegistered
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var errAuthTimeout = errors.New("authentication timed out")

// Transport is a live connection as the handler sees it: an inbound frame
// source plus the outbound handle registered for the subject.
type Transport interface {
	Handle
	ReadFrame() ([]byte, error)
}

// Handler drives one connection through connecting → authenticating →
// registered → active → closed. One handler per connection, one goroutine
// driving Run; only Close crosses goroutines.
type Handler struct {
	authenticator auth.Authenticator
	friends       FriendshipOracle
	registry      *Registry
	delivery      *Delivery
	authTimeout   time.Duration
	log           zerolog.Logger

	state     State
	subject   models.Subject
	closeOnce sync.Once
}

func NewHandler(authenticator auth.Authenticator, friends FriendshipOracle, registry *Registry, delivery *Delivery, authTimeout time.Duration, log zerolog.Logger) *Handler {
	return &Handler{
		authenticator: authenticator,
		friends:       friends,
		registry:      registry,
		delivery:      delivery,
		authTimeout:   authTimeout,
		log:           log,
		state:         StateConnecting,
	}
}

func (h *Handler) State() State {
	return h.state
}

// Run owns the connection until it closes. The token is whatever the
// transport layer extracted from the connection request; all policy on it is
// decided here.
func (h *Handler) Run(t Transport, token string) {
	h.state = StateAuthenticating

	subject, err := h.authenticate(token)
	if err != nil {
		h.log.Info().Err(err).Msg("connection rejected")
		t.Close(websocket.ClosePolicyViolation, "authentication failed")
		h.state = StateClosed
		return
	}
	h.subject = subject
	log := h.log.With().Int64("subject_id", subject.ID).Str("subject_name", subject.Name).Logger()

	peers, err := h.friends.AcceptedPeers(subject.ID)
	if err != nil {
		log.Error().Err(err).Msg("peer lookup failed")
		t.Close(websocket.CloseInternalServerErr, "internal error")
		h.state = StateClosed
		return
	}

	if evicted := h.registry.Register(subject, t, peers); evicted {
		log.Info().Msg("previous session evicted")
	}
	h.state = StateRegistered
	defer h.teardown(t)

	if err := t.Send(protocol.WelcomeFrame(subject.ID, subject.Name)); err != nil {
		log.Debug().Err(err).Msg("welcome send failed")
		return
	}

	flushed, err := h.delivery.FlushBacklog(subject.ID, t)
	if err != nil {
		log.Error().Err(err).Msg("backlog read failed")
		return
	}
	if flushed > 0 {
		log.Info().Int("count", flushed).Msg("backlog flushed")
	}

	h.state = StateActive
	log.Info().Msg("client connected")
	h.receiveLoop(t, log)
}

// authenticate bounds the credential check so an unauthenticated socket
// cannot hold its goroutine past the configured window.
func (h *Handler) authenticate(token string) (models.Subject, error) {
	type result struct {
		subject models.Subject
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		subject, err := h.authenticator.Authenticate(token)
		ch <- result{subject, err}
	}()

	timer := time.NewTimer(h.authTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.subject, res.err
	case <-timer.C:
		return models.Subject{}, errAuthTimeout
	}
}

func (h *Handler) receiveLoop(t Transport, log zerolog.Logger) {
	for {
		data, err := t.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("read error")
			}
			return
		}

		frame, err := protocol.ParseClientFrame(data)
		if err != nil {
			// Malformed input is answered, not fatal.
			if err := t.Send(protocol.ErrorFrame("malformed message: expected {\"text\": string, \"recipients\": [id, ...]}")); err != nil {
				return
			}
			continue
		}

		outcomes := h.delivery.Deliver(h.subject.ID, h.subject.Name, frame.Recipients, frame.Text)
		for _, outcome := range outcomes {
			switch outcome.Kind {
			case OutcomeUnauthorized:
				log.Info().Int64("recipient_id", outcome.RecipientID).Msg("send to non-friend rejected")
			case OutcomeStoreFailed:
				log.Error().Int64("recipient_id", outcome.RecipientID).Err(outcome.Err).Msg("delivery failed")
			}
		}
	}
}

// teardown releases the session entry and the connection. Idempotent; the
// registry ignores the deregister if a newer connection replaced this one.
func (h *Handler) teardown(t Transport) {
	h.closeOnce.Do(func() {
		h.registry.Deregister(h.subject.ID, t)
		t.Close(websocket.CloseNormalClosure, "")
		if h.state >= StateActive {
			h.log.Info().Int64("subject_id", h.subject.ID).Msg("client disconnected")
		}
		h.state = StateClosed
	})
}
