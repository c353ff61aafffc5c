package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

type recordingChannel struct {
	exchange string
	key      string
	msg      amqp091.Publishing
	err      error
}

func (c *recordingChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	c.exchange, c.key, c.msg = exchange, key, msg
	return c.err
}

func (c *recordingChannel) Close() error { return nil }

func TestPublishWrapsPayloadInEnvelope(t *testing.T) {
	ch := &recordingChannel{}
	at := time.Date(2024, 11, 22, 9, 0, 0, 0, time.UTC)
	p := &Publisher{exchange: "livequiz.events", ch: ch, now: func() time.Time { return at }}

	err := p.Publish(context.Background(), "tournament.finished", map[string]any{"code": "ABC"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ch.exchange != "livequiz.events" || ch.key != "tournament.finished" {
		t.Fatalf("unexpected routing %s/%s", ch.exchange, ch.key)
	}
	if ch.msg.DeliveryMode != amqp091.Persistent || ch.msg.ContentType != "application/json" {
		t.Fatalf("unexpected message properties %+v", ch.msg)
	}

	var env struct {
		ID         string         `json:"id"`
		Type       string         `json:"type"`
		OccurredAt time.Time      `json:"occurredAt"`
		Payload    map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(ch.msg.Body, &env); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if env.ID == "" || env.ID != ch.msg.MessageId {
		t.Fatalf("message id must match the envelope id")
	}
	if env.Type != "tournament.finished" || !env.OccurredAt.Equal(at) || env.Payload["code"] != "ABC" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestPublishReturnsChannelErrors(t *testing.T) {
	ch := &recordingChannel{err: amqp091.ErrClosed}
	p := &Publisher{exchange: "livequiz.events", ch: ch, now: time.Now}

	err := p.Publish(context.Background(), "quiz.ended", nil)
	if !errors.Is(err, amqp091.ErrClosed) {
		t.Fatalf("expected channel error, got %v", err)
	}
}
