package realtime

import (
	"encoding/json"
	"time"

	"erasmusly/messaging-service/internal/models"
)

// Outbound frame types.
const (
	FrameConnected       = "connected"
	FrameIdentified      = "identified"
	FrameJoined          = "joined"
	FrameLeft            = "left"
	FrameMessageReceived = "message received"
	FrameAck             = "ack"
	FramePong            = "pong"
	FrameError           = "error"
)

// MessagePayload is the wire form of a persisted message. REST responses and
// live frames share it so a client sees one shape for one row.
type MessagePayload struct {
	ID        string     `json:"_id"`
	ChatID    string     `json:"chat"`
	SenderID  string     `json:"sender"`
	Text      string     `json:"text"`
	Timestamp time.Time  `json:"timestamp"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

func NewMessagePayload(msg *models.Message) MessagePayload {
	return MessagePayload{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Text:      msg.Content,
		Timestamp: msg.CreatedAt,
		ReadAt:    msg.ReadAt,
	}
}

func NewMessagePayloads(msgs []*models.Message) []MessagePayload {
	out := make([]MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, NewMessagePayload(m))
	}
	return out
}

type MessageFrame struct {
	Type    string         `json:"type"`
	Message MessagePayload `json:"message"`
}

// EncodeMessageFrame renders the frame pushed to channel members.
func EncodeMessageFrame(msg *models.Message) ([]byte, error) {
	return json.Marshal(MessageFrame{
		Type:    FrameMessageReceived,
		Message: NewMessagePayload(msg),
	})
}
