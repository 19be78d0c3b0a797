package server

import (
	"time"

	"fim/models"
	"fim/protocol"

	"github.com/rs/zerolog"
)

// MessageStore is the persistence contract for the delivery engine.
type MessageStore interface {
	Append(senderID, recipientID int64, content string, at time.Time) (int64, error)
	UndeliveredFor(recipientID int64) ([]models.Message, error)
	MarkDelivered(messageID int64) error
}

// FriendshipOracle answers accepted-relationship queries. Authorization is
// asked per send attempt, never cached, so a revoked friendship takes effect
// on the next message.
type FriendshipOracle interface {
	IsAccepted(a, b int64) (bool, error)
	AcceptedPeers(subjectID int64) ([]int64, error)
}

// UserDirectory resolves sender names for backlog replay frames.
type UserDirectory interface {
	GetUserByID(id int64) (*models.User, error)
}

type OutcomeKind string

const (
	// OutcomeDeliveredLive: persisted and handed to the recipient's live
	// connection; the delivered flag is set.
	OutcomeDeliveredLive OutcomeKind = "delivered_live"
	// OutcomeQueued: persisted, recipient offline or its sink failed; will
	// be replayed on the recipient's next connect.
	OutcomeQueued OutcomeKind = "queued"
	// OutcomeUnauthorized: sender and recipient are not accepted friends;
	// nothing was persisted.
	OutcomeUnauthorized OutcomeKind = "unauthorized"
	// OutcomeStoreFailed: persistence failed for this recipient only.
	OutcomeStoreFailed OutcomeKind = "store_failed"
)

type Outcome struct {
	RecipientID int64
	Kind        OutcomeKind
	MessageID   int64
	Err         error
}

// Delivery orchestrates authorize → persist → live-send-or-queue per
// recipient, and backlog replay on reconnect.
type Delivery struct {
	store        MessageStore
	friends      FriendshipOracle
	users        UserDirectory
	registry     *Registry
	echoToSender bool
	log          zerolog.Logger
}

func NewDelivery(store MessageStore, friends FriendshipOracle, users UserDirectory, registry *Registry, echoToSender bool, log zerolog.Logger) *Delivery {
	return &Delivery{
		store:        store,
		friends:      friends,
		users:        users,
		registry:     registry,
		echoToSender: echoToSender,
		log:          log,
	}
}

// Deliver fans the message out to each recipient independently: a failure
// for one recipient never blocks or rolls back the others. The returned
// outcomes are in recipient order.
func (d *Delivery) Deliver(senderID int64, senderName string, recipientIDs []int64, content string) []Outcome {
	now := time.Now().UTC()

	outcomes := make([]Outcome, 0, len(recipientIDs))
	accepted := false
	for _, recipientID := range recipientIDs {
		outcome := d.deliverOne(senderID, senderName, recipientID, content, now)
		if outcome.Kind == OutcomeDeliveredLive || outcome.Kind == OutcomeQueued {
			accepted = true
		}
		outcomes = append(outcomes, outcome)
	}

	if d.echoToSender && accepted {
		if handle, ok := d.registry.Lookup(senderID); ok {
			if err := handle.Send(protocol.MessageFrame(senderID, senderName, content, now)); err != nil {
				d.log.Debug().Int64("subject_id", senderID).Err(err).Msg("echo to sender failed")
			}
		}
	}

	return outcomes
}

func (d *Delivery) deliverOne(senderID int64, senderName string, recipientID int64, content string, now time.Time) Outcome {
	outcome := Outcome{RecipientID: recipientID}

	ok, err := d.friends.IsAccepted(senderID, recipientID)
	if err != nil {
		outcome.Kind = OutcomeStoreFailed
		outcome.Err = err
		d.log.Error().Int64("subject_id", senderID).Int64("recipient_id", recipientID).Err(err).Msg("friendship check failed")
		return outcome
	}
	if !ok {
		outcome.Kind = OutcomeUnauthorized
		return outcome
	}

	messageID, err := d.store.Append(senderID, recipientID, content, now)
	if err != nil {
		outcome.Kind = OutcomeStoreFailed
		outcome.Err = err
		d.log.Error().Int64("subject_id", senderID).Int64("recipient_id", recipientID).Err(err).Msg("message persist failed")
		return outcome
	}
	outcome.MessageID = messageID

	handle, online := d.registry.Lookup(recipientID)
	if !online {
		outcome.Kind = OutcomeQueued
		return outcome
	}

	if err := handle.Send(protocol.MessageFrame(senderID, senderName, content, now)); err != nil {
		// Recipient went offline mid-send; the message stays queued for
		// the next backlog flush. No retry here.
		d.log.Debug().Int64("recipient_id", recipientID).Err(err).Msg("live send failed, message queued")
		outcome.Kind = OutcomeQueued
		return outcome
	}

	if err := d.store.MarkDelivered(messageID); err != nil {
		// The frame reached the peer; a stuck flag means a duplicate on
		// the next flush, which at-least-once delivery permits.
		d.log.Error().Int64("message_id", messageID).Err(err).Msg("mark delivered failed")
	}
	outcome.Kind = OutcomeDeliveredLive
	return outcome
}

// FlushBacklog replays the subject's undelivered messages in stored order,
// marking each delivered right after its confirmed send. The first sink
// failure stops the flush; the remainder stays queued for the next connect.
// Only the initial backlog read returns an error.
func (d *Delivery) FlushBacklog(subjectID int64, handle Handle) (int, error) {
	pending, err := d.store.UndeliveredFor(subjectID)
	if err != nil {
		return 0, err
	}

	names := make(map[int64]string)
	delivered := 0
	for _, msg := range pending {
		name, ok := names[msg.SenderID]
		if !ok {
			if user, err := d.users.GetUserByID(msg.SenderID); err == nil {
				name = user.Username
			} else {
				name = "Unknown"
			}
			names[msg.SenderID] = name
		}

		if err := handle.Send(protocol.MessageFrame(msg.SenderID, name, msg.Content, msg.CreatedAt)); err != nil {
			d.log.Debug().Int64("subject_id", subjectID).Int("delivered", delivered).Err(err).Msg("backlog flush interrupted")
			return delivered, nil
		}

		if err := d.store.MarkDelivered(msg.ID); err != nil {
			d.log.Error().Int64("message_id", msg.ID).Err(err).Msg("mark delivered failed during flush")
		}
		delivered++
	}

	return delivered, nil
}
