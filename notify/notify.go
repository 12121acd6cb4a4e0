// Package notify publishes user-facing events (new follower, follow
// request, reaction, ...) to the event stream and to subscribed webhooks.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/queue"
	"github.com/deemkeen/fedengine/util"
	"github.com/segmentio/kafka-go"
)

const (
	EventFollow               = "follow"
	EventFollowed             = "followed"
	EventUnfollow             = "unfollow"
	EventReceiveFollowRequest = "receiveFollowRequest"
	EventReaction             = "reaction"
)

// Message is what consumers of the stream receive.
type Message struct {
	UserId    string          `json:"userId"`
	Type      string          `json:"type"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Writer is satisfied by *kafka.Writer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type WebhookStore interface {
	ReadActiveWebhooks(ctx context.Context, userId string) ([]*domain.Webhook, error)
	ReadWebhook(ctx context.Context, id string) (*domain.Webhook, error)
	UpdateWebhookStatus(ctx context.Context, id string, status int) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, class, name string, payload any, opts queue.Options) (*domain.Job, error)
}

// NewKafkaWriter returns nil when no broker is configured.
func NewKafkaWriter(conf util.KafkaConf) *kafka.Writer {
	if len(conf.Brokers) == 0 {
		return nil
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(conf.Brokers...),
		Topic:        conf.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

type Publisher struct {
	writer Writer
	store  WebhookStore
	queue  Enqueuer
	log    *log.Logger
}

// New builds a publisher. A nil writer logs events instead of streaming
// them.
func New(writer Writer, store WebhookStore, q Enqueuer, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	return &Publisher{
		writer: writer,
		store:  store,
		queue:  q,
		log:    logger.With("component", "notify"),
	}
}

// Notify publishes event for userId. Failures are logged, never returned:
// a lost notification must not undo the change that caused it.
func (p *Publisher) Notify(ctx context.Context, userId, event string, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		p.log.Error("encoding event", "event", event, "err", err)
		return
	}
	msg := Message{UserId: userId, Type: event, Body: raw, CreatedAt: time.Now().UTC()}
	value, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("encoding event", "event", event, "err", err)
		return
	}

	if p.writer == nil {
		p.log.Debug("event", "user", userId, "type", event, "body", string(raw))
	} else if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(userId), Value: value}); err != nil {
		p.log.Warn("streaming event failed", "user", userId, "type", event, "err", err)
	}

	p.enqueueWebhooks(ctx, msg)
}

func (p *Publisher) enqueueWebhooks(ctx context.Context, msg Message) {
	if p.store == nil || p.queue == nil {
		return
	}
	hooks, err := p.store.ReadActiveWebhooks(ctx, msg.UserId)
	if err != nil {
		p.log.Warn("reading webhooks failed", "user", msg.UserId, "err", err)
		return
	}
	for _, h := range hooks {
		if !h.Subscribed(msg.Type) {
			continue
		}
		payload := WebhookPayload{WebhookId: h.Id, Message: msg}
		if _, err := p.queue.Enqueue(ctx, queue.ClassWebhookDeliver, h.Id, payload, queue.Options{}); err != nil {
			p.log.Warn("queueing webhook failed", "webhook", h.Id, "err", err)
		}
	}
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
