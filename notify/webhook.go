package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/domain"
)

// SecretHeader carries the webhook's shared secret.
const SecretHeader = "X-Fedengine-Hook-Secret"

// WebhookPayload is the body of a webhookDeliver job.
type WebhookPayload struct {
	WebhookId string  `json:"webhookId"`
	Message   Message `json:"message"`
}

// Poster is satisfied by *apclient.Client.
type Poster interface {
	Post(ctx context.Context, url string, body []byte, extra map[string]string) (int, error)
}

type WebhookWorker struct {
	store  WebhookStore
	client Poster
	log    *log.Logger
}

func NewWebhookWorker(store WebhookStore, client Poster, logger *log.Logger) *WebhookWorker {
	if logger == nil {
		logger = log.Default()
	}
	return &WebhookWorker{store: store, client: client, log: logger.With("component", "webhook")}
}

// Handle posts one event to its webhook and records the answer.
func (w *WebhookWorker) Handle(ctx context.Context, job *domain.Job) error {
	var p WebhookPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return domain.Permanent(fmt.Errorf("decoding webhook job: %w", err))
	}

	hook, err := w.store.ReadWebhook(ctx, p.WebhookId)
	if err != nil {
		return err
	}
	if hook == nil || !hook.Active {
		return domain.Permanent(fmt.Errorf("webhook %s is gone", p.WebhookId))
	}

	body, err := json.Marshal(struct {
		HookId    string          `json:"hookId"`
		UserId    string          `json:"userId"`
		Type      string          `json:"type"`
		Body      json.RawMessage `json:"body"`
		CreatedAt int64           `json:"createdAt"`
	}{hook.Id, p.Message.UserId, p.Message.Type, p.Message.Body, p.Message.CreatedAt.UnixMilli()})
	if err != nil {
		return domain.Permanent(err)
	}

	status, err := w.client.Post(ctx, hook.Url, body, map[string]string{SecretHeader: hook.Secret})
	if status != 0 {
		if uerr := w.store.UpdateWebhookStatus(ctx, hook.Id, status); uerr != nil {
			w.log.Warn("recording webhook status failed", "webhook", hook.Id, "err", uerr)
		}
	}
	return err
}
