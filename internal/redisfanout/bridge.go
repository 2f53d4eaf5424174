// Package redisfanout relays persisted messages between service instances so
// a session connected to any instance receives every message of its chats.
package redisfanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"erasmusly/messaging-service/internal/models"
)

const relayTimeout = 2 * time.Second

// Deliverer pushes a message to the sessions connected to this instance.
type Deliverer interface {
	Deliver(msg *models.Message) int
}

type envelope struct {
	Origin  string      `json:"origin"`
	Message wireMessage `json:"message"`
}

type wireMessage struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chat_id"`
	SenderID  string     `json:"sender_id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// Bridge delivers locally and relays to peers over one Redis pub/sub channel.
// Envelopes carry the publishing instance id so an instance never redelivers
// its own messages.
type Bridge struct {
	channel string
	origin  string
	local   Deliverer
	logger  *logrus.Logger
	client  *redis.Client

	publish func(ctx context.Context, payload []byte) error
}

// Connect parses a redis:// URL and checks the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("redis: url is empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

func NewBridge(client *redis.Client, channel string, local Deliverer, logger *logrus.Logger) *Bridge {
	b := &Bridge{
		channel: channel,
		origin:  uuid.NewString(),
		local:   local,
		logger:  logger,
		client:  client,
	}
	b.publish = func(ctx context.Context, payload []byte) error {
		return client.Publish(ctx, channel, payload).Err()
	}
	return b
}

// Origin identifies this instance on the channel.
func (b *Bridge) Origin() string { return b.origin }

// Publish satisfies service.Publisher. Relay failures are logged only; peers'
// clients recover the message from history on their next join.
func (b *Bridge) Publish(ctx context.Context, msg *models.Message) {
	b.local.Deliver(msg)

	payload, err := json.Marshal(envelope{Origin: b.origin, Message: toWire(msg)})
	if err != nil {
		b.logger.WithError(err).WithField("message_id", msg.ID).Error("Failed to encode relay envelope")
		return
	}

	relayCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayTimeout)
	defer cancel()
	if err := b.publish(relayCtx, payload); err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"message_id": msg.ID,
			"chat_id":    msg.ChatID,
			"channel":    b.channel,
		}).Warn("Failed to relay message to peers")
	}
}

// Run subscribes to the channel and delivers peer messages until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe %s: %w", b.channel, err)
	}
	b.logger.WithFields(logrus.Fields{
		"channel": b.channel,
		"origin":  b.origin,
	}).Info("Relaying messages over Redis")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle([]byte(m.Payload))
		}
	}
}

// handle delivers one envelope and reports how many local sessions took it.
func (b *Bridge) handle(payload []byte) int {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.WithError(err).Warn("Dropping malformed relay envelope")
		return 0
	}
	if env.Origin == b.origin || env.Message.ID == "" || env.Message.ChatID == "" {
		return 0
	}
	return b.local.Deliver(fromWire(env.Message))
}

func toWire(msg *models.Message) wireMessage {
	return wireMessage{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		ReadAt:    msg.ReadAt,
	}
}

func fromWire(w wireMessage) *models.Message {
	return &models.Message{
		ID:        w.ID,
		ChatID:    w.ChatID,
		SenderID:  w.SenderID,
		Content:   w.Content,
		CreatedAt: w.CreatedAt,
		ReadAt:    w.ReadAt,
	}
}
