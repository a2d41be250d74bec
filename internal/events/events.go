// Package events publishes session lifecycle notifications. Delivery is best
// effort; a failed publish never blocks or fails the session operation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type Type string

const (
	TypeLogin       Type = "session.login"
	TypeLogout      Type = "session.logout"
	TypeInvalidated Type = "session.invalidated"
)

const publishTimeout = 5 * time.Second

type Event struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	Username string    `json:"username,omitempty"`
	UserID   string    `json:"userId,omitempty"`
	Source   string    `json:"source,omitempty"`
	At       time.Time `json:"at"`
}

func New(t Type, username, userID string) Event {
	return Event{ID: uuid.NewString(), Type: t, Username: username, UserID: userID, At: time.Now().UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}}
}

// Publish keys messages by username so one user's events stay ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafka: json.Marshal failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := p.w.WriteMessages(ctx, kafka.Message{Key: []byte(e.Username), Value: data, Time: e.At}); err != nil {
		return fmt.Errorf("kafka: write %s: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
