package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrMalformedFrame = errors.New("malformed frame")

// ClientFrame is the only inbound application frame: a text message addressed
// to one or more recipients.
type ClientFrame struct {
	Text       string  `json:"text"`
	Recipients []int64 `json:"recipients"`
}

// ServerFrame covers all outbound frames; Type selects which fields are set.
type ServerFrame struct {
	Type        string `json:"type"`
	SenderID    int64  `json:"sender_id,omitempty"`
	SenderName  string `json:"sender_name,omitempty"`
	Content     string `json:"content,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	SubjectID   int64  `json:"subject_id,omitempty"`
	SubjectName string `json:"subject_name,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ParseClientFrame decodes and validates an inbound frame. Unknown shapes,
// empty text and empty recipient lists are all malformed; the connection
// survives, only the frame is rejected.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, ErrMalformedFrame
	}
	if frame.Text == "" || len(frame.Recipients) == 0 {
		return nil, ErrMalformedFrame
	}
	return &frame, nil
}

func MessageFrame(senderID int64, senderName, content string, at time.Time) []byte {
	return marshal(ServerFrame{
		Type:       "message",
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
		Timestamp:  at.UTC().Format(time.RFC3339),
	})
}

func WelcomeFrame(subjectID int64, subjectName string) []byte {
	return marshal(ServerFrame{
		Type:        "welcome",
		SubjectID:   subjectID,
		SubjectName: subjectName,
	})
}

func ErrorFrame(message string) []byte {
	return marshal(ServerFrame{Type: "error", Error: message})
}

func marshal(frame ServerFrame) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		// ServerFrame contains only marshalable fields.
		panic(err)
	}
	return data
}
