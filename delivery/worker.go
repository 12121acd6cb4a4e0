package delivery

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/metrics"
)

// Poster sends one signed activity; *apclient.Client satisfies it.
type Poster interface {
	Deliver(ctx context.Context, inbox string, body []byte, keyId string, key *rsa.PrivateKey) (int, error)
}

// Worker is the handler of the deliver queue class.
type Worker struct {
	store    Store
	client   Poster
	renderer *activitypub.Renderer
	metrics  *metrics.Collector
	log      *log.Logger
}

func NewWorker(store Store, client Poster, renderer *activitypub.Renderer, m *metrics.Collector, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		store:    store,
		client:   client,
		renderer: renderer,
		metrics:  m,
		log:      logger.With("component", "delivery"),
	}
}

// Handle signs and posts one queued activity. 4xx answers other than 408
// and 429 come back as permanent errors, everything else is retried by
// the queue.
func (w *Worker) Handle(ctx context.Context, job *domain.Job) error {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return domain.Permanent(fmt.Errorf("decoding deliver job: %w", err))
	}

	key, err := loadKey(ctx, w.store, p.ActorId)
	if err != nil {
		return err
	}

	status, err := w.client.Deliver(ctx, p.Inbox, p.Activity, w.renderer.KeyId(p.ActorId), key)

	if host, herr := activitypub.HostOf(p.Inbox); herr == nil && status != 0 {
		if rerr := w.store.RecordDelivery(ctx, host, status, err == nil); rerr != nil {
			w.log.Warn("recording delivery failed", "host", host, "err", rerr)
		}
	}

	switch {
	case err == nil:
		w.metrics.Delivery("ok")
	case domain.IsPermanent(err):
		w.metrics.Delivery("rejected")
		w.log.Info("delivery rejected", "inbox", p.Inbox, "status", status)
	default:
		w.metrics.Delivery("failed")
	}
	return err
}

func loadKey(ctx context.Context, store Store, actorId string) (*rsa.PrivateKey, error) {
	actor, err := store.ReadActorById(ctx, actorId)
	if err != nil {
		return nil, fmt.Errorf("loading actor %s: %w", actorId, err)
	}
	if actor == nil || !actor.IsLocal() || actor.PrivateKeyPem == "" {
		return nil, domain.Permanent(fmt.Errorf("no signing key for actor %s", actorId))
	}
	key, err := activitypub.ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return nil, domain.Permanent(err)
	}
	return key, nil
}
