package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/apclient"
	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/queue"
	"github.com/deemkeen/fedengine/util"
	"github.com/segmentio/kafka-go"
)

type captureWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *captureWriter) Close() error { return nil }

type captureQueue struct {
	jobs []WebhookPayload
}

func (q *captureQueue) Enqueue(_ context.Context, class, _ string, payload any, _ queue.Options) (*domain.Job, error) {
	if class != queue.ClassWebhookDeliver {
		return nil, errors.New("unexpected class")
	}
	q.jobs = append(q.jobs, payload.(WebhookPayload))
	return &domain.Job{Id: int64(len(q.jobs))}, nil
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "notify.db"), log.New(io.Discard))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNotifyStreamsAndQueuesWebhooks(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	user := &domain.Actor{Id: domain.NewID(), Username: "alice"}
	if err := store.CreateActor(ctx, user); err != nil {
		t.Fatalf("CreateActor failed: %v", err)
	}
	subscribed := &domain.Webhook{Id: domain.NewID(), UserId: user.Id, Name: "follows", Url: "https://hooks.example/a", Events: []string{EventFollowed}, Active: true}
	other := &domain.Webhook{Id: domain.NewID(), UserId: user.Id, Name: "reactions", Url: "https://hooks.example/b", Events: []string{EventReaction}, Active: true}
	for _, h := range []*domain.Webhook{subscribed, other} {
		if err := store.CreateWebhook(ctx, h); err != nil {
			t.Fatalf("CreateWebhook failed: %v", err)
		}
	}

	w := &captureWriter{}
	q := &captureQueue{}
	p := New(w, store, q, log.New(io.Discard))
	p.Notify(ctx, user.Id, EventFollowed, map[string]string{"followerId": "f1"})

	if len(w.msgs) != 1 {
		t.Fatalf("Expected 1 streamed message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != user.Id {
		t.Errorf("Expected message key %s, got %s", user.Id, w.msgs[0].Key)
	}
	var msg Message
	if err := json.Unmarshal(w.msgs[0].Value, &msg); err != nil {
		t.Fatalf("Streamed value is not a message: %v", err)
	}
	if msg.Type != EventFollowed || msg.UserId != user.Id {
		t.Errorf("Unexpected message %+v", msg)
	}

	if len(q.jobs) != 1 || q.jobs[0].WebhookId != subscribed.Id {
		t.Fatalf("Expected one job for the subscribed webhook, got %+v", q.jobs)
	}
}

func TestNotifySurvivesBrokerFailure(t *testing.T) {
	q := &captureQueue{}
	p := New(&captureWriter{err: errors.New("broker down")}, nil, q, log.New(io.Discard))
	p.Notify(context.Background(), "u1", EventUnfollow, struct{}{})
	if len(q.jobs) != 0 {
		t.Errorf("Expected no webhook jobs without a store, got %d", len(q.jobs))
	}
}

func TestWebhookWorkerPosts(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	user := &domain.Actor{Id: domain.NewID(), Username: "alice"}
	if err := store.CreateActor(ctx, user); err != nil {
		t.Fatalf("CreateActor failed: %v", err)
	}

	var gotSecret, gotType string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get(SecretHeader)
		var body struct{ Type string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotType = body.Type
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := &domain.Webhook{Id: domain.NewID(), UserId: user.Id, Url: srv.URL + "/hook", Secret: "s3cret", Events: []string{EventFollow}, Active: true}
	if err := store.CreateWebhook(ctx, hook); err != nil {
		t.Fatalf("CreateWebhook failed: %v", err)
	}

	client := apclient.New(util.FederationConf{}, apclient.WithHTTPClient(srv.Client()))
	worker := NewWebhookWorker(store, client, log.New(io.Discard))
	payload, _ := json.Marshal(WebhookPayload{WebhookId: hook.Id, Message: Message{UserId: user.Id, Type: EventFollow, Body: json.RawMessage(`{}`)}})

	if err := worker.Handle(ctx, &domain.Job{Payload: payload}); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if gotSecret != "s3cret" || gotType != EventFollow {
		t.Errorf("Expected secret and type to be sent, got '%s' '%s'", gotSecret, gotType)
	}
	stored, _ := store.ReadWebhook(ctx, hook.Id)
	if stored.LatestStatus != http.StatusNoContent || stored.LastTriggeredAt == nil {
		t.Errorf("Expected status to be recorded, got %+v", stored)
	}

	missing, _ := json.Marshal(WebhookPayload{WebhookId: "nope"})
	if err := worker.Handle(ctx, &domain.Job{Payload: missing}); !domain.IsPermanent(err) {
		t.Errorf("Expected permanent error for unknown webhook, got %v", err)
	}
}
