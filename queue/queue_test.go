package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/util"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupQueue(t *testing.T) (*Queue, *db.DB, *fakeClock) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "queue.db"), log.New(io.Discard))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: time.Now()}
	conf := util.QueueConf{
		PollInterval: 10 * time.Millisecond,
		Lease:        time.Minute,
		BackoffBase:  time.Minute,
		BackoffMax:   time.Hour,
	}
	q := New(store, conf, WithClock(clock.Now), WithJitter(func() float64 { return 0.5 }))
	return q, store, clock
}

func TestBackoff(t *testing.T) {
	base, max := time.Minute, time.Hour
	tests := []struct {
		attempt int
		rnd     float64
		want    time.Duration
	}{
		{1, 0.5, time.Minute},
		{2, 0.5, 2 * time.Minute},
		{4, 0.5, 8 * time.Minute},
		{10, 0.5, time.Hour},
		{1, 0, 48 * time.Second},
		{1, 1, 72 * time.Second},
		{0, 0.5, time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, base, max, tt.rnd); got != tt.want {
			t.Errorf("Backoff(%d, %v) = %v, want %v", tt.attempt, tt.rnd, got, tt.want)
		}
	}
}

func TestEnqueueUnknownClass(t *testing.T) {
	q, _, _ := setupQueue(t)
	if _, err := q.Enqueue(context.Background(), "nope", "x", nil, Options{}); err == nil {
		t.Error("Expected error for unregistered class")
	}
}

func TestSuccessfulJobIsDeleted(t *testing.T) {
	q, store, _ := setupQueue(t)
	ctx := context.Background()

	var got struct{ Inbox string }
	q.Register(ClassDeliver, func(_ context.Context, job *domain.Job) error {
		return json.Unmarshal(job.Payload, &got)
	}, ClassConfig{Concurrency: 2, MaxAttempts: 3})

	job, err := q.Enqueue(ctx, ClassDeliver, "remote.example", map[string]string{"Inbox": "https://remote.example/inbox"}, Options{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("Expected class default of 3 attempts, got %d", job.MaxAttempts)
	}

	n, err := q.ProcessDue(ctx, ClassDeliver)
	if err != nil {
		t.Fatalf("ProcessDue failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 job run, got %d", n)
	}
	if got.Inbox != "https://remote.example/inbox" {
		t.Errorf("Expected payload to round trip, got %+v", got)
	}
	if left, _ := store.CountJobs(ctx, ClassDeliver); left != 0 {
		t.Errorf("Expected empty queue, got %d", left)
	}
}

func TestRetryIsBounded(t *testing.T) {
	q, store, clock := setupQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	q.Register(ClassInbox, func(context.Context, *domain.Job) error {
		calls.Add(1)
		return errors.New("remote busy")
	}, ClassConfig{Concurrency: 1, MaxAttempts: 3})

	job, err := q.Enqueue(ctx, ClassInbox, "", []byte(`{}`), Options{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := q.ProcessDue(ctx, ClassInbox); err != nil {
		t.Fatalf("ProcessDue failed: %v", err)
	}
	kept, _ := store.ReadJobsByName(ctx, ClassInbox, "")
	if len(kept) != 1 || kept[0].Id != job.Id {
		t.Fatalf("Expected job to be kept for retry, got %+v", kept)
	}
	stored := kept[0]
	if want := clock.Now().Add(time.Minute); !stored.RunAt.Equal(want.Truncate(time.Millisecond)) {
		t.Errorf("Expected retry at %v, got %v", want, stored.RunAt)
	}
	if stored.LastError != "remote busy" {
		t.Errorf("Expected last error to be recorded, got '%s'", stored.LastError)
	}

	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Hour)
		if _, err := q.ProcessDue(ctx, ClassInbox); err != nil {
			t.Fatalf("ProcessDue failed: %v", err)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", calls.Load())
	}
	if left, _ := store.CountJobs(ctx, ClassInbox); left != 0 {
		t.Errorf("Expected exhausted job to be dropped, got %d left", left)
	}
}

func TestPermanentErrorDropsJob(t *testing.T) {
	q, store, clock := setupQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	q.Register(ClassWebhookDeliver, func(context.Context, *domain.Job) error {
		calls.Add(1)
		return domain.Permanent(errors.New("gone"))
	}, ClassConfig{Concurrency: 1, MaxAttempts: 5})

	if _, err := q.Enqueue(ctx, ClassWebhookDeliver, "", nil, Options{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	_, _ = q.ProcessDue(ctx, ClassWebhookDeliver)
	clock.Advance(10 * time.Hour)
	_, _ = q.ProcessDue(ctx, ClassWebhookDeliver)

	if calls.Load() != 1 {
		t.Errorf("Expected a single attempt, got %d", calls.Load())
	}
	if left, _ := store.CountJobs(ctx, ClassWebhookDeliver); left != 0 {
		t.Errorf("Expected job to be dropped, got %d left", left)
	}
}

func TestDelayedJobWaits(t *testing.T) {
	q, _, clock := setupQueue(t)
	ctx := context.Background()

	var calls atomic.Int32
	q.Register(ClassRelationship, func(context.Context, *domain.Job) error {
		calls.Add(1)
		return nil
	}, ClassConfig{Concurrency: 1, MaxAttempts: 1})

	if _, err := q.Enqueue(ctx, ClassRelationship, "unfollow", nil, Options{Delay: time.Hour}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("Expected delayed job to wait, ran %d times", calls.Load())
	}

	clock.Advance(time.Hour)
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected delayed job to run once, ran %d times", calls.Load())
	}
}

func TestDrainFollowsChainedJobs(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	var delivered atomic.Int32
	q.Register(ClassDeliver, func(context.Context, *domain.Job) error {
		delivered.Add(1)
		return nil
	}, ClassConfig{Concurrency: 4, MaxAttempts: 1})
	q.Register(ClassDB, func(ctx context.Context, _ *domain.Job) error {
		for i := 0; i < 3; i++ {
			if _, err := q.Enqueue(ctx, ClassDeliver, "", nil, Options{}); err != nil {
				return err
			}
		}
		return nil
	}, ClassConfig{Concurrency: 1, MaxAttempts: 1})

	if _, err := q.Enqueue(ctx, ClassDB, "fanout", nil, Options{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if delivered.Load() != 3 {
		t.Errorf("Expected 3 chained deliveries, got %d", delivered.Load())
	}
}

func TestRunProcessesJobs(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "run.db"), log.New(io.Discard))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	q := New(store, util.QueueConf{PollInterval: 10 * time.Millisecond, Lease: time.Minute, BackoffBase: time.Second, BackoffMax: time.Minute})
	done := make(chan string, 1)
	q.Register(ClassDeliver, func(_ context.Context, job *domain.Job) error {
		done <- job.Name
		return nil
	}, ClassConfig{Concurrency: 2, Rps: 50, MaxAttempts: 1})

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(finished)
	}()

	if _, err := q.Enqueue(context.Background(), ClassDeliver, "remote.example", nil, Options{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	select {
	case name := <-done:
		if name != "remote.example" {
			t.Errorf("Expected job 'remote.example', got '%s'", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for job to run")
	}

	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestUniqueEnqueueReusesPendingJob(t *testing.T) {
	q, store, _ := setupQueue(t)
	ctx := context.Background()
	q.Register(ClassDB, func(context.Context, *domain.Job) error { return nil }, ClassConfig{Concurrency: 1})

	first, err := q.Enqueue(ctx, ClassDB, "deleteAccount:1", []byte(`{}`), Options{Unique: true})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, err := q.Enqueue(ctx, ClassDB, "deleteAccount:1", []byte(`{}`), Options{Unique: true})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if second.Id != first.Id {
		t.Errorf("Expected job %d to be reused, got %d", first.Id, second.Id)
	}
	if _, err := q.Enqueue(ctx, ClassDB, "deleteAccount:2", []byte(`{}`), Options{Unique: true}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if n, _ := store.CountJobs(ctx, ClassDB); n != 2 {
		t.Errorf("Expected 2 jobs, got %d", n)
	}

	if _, err := q.ProcessDue(ctx, ClassDB); err != nil {
		t.Fatalf("ProcessDue failed: %v", err)
	}
	third, err := q.Enqueue(ctx, ClassDB, "deleteAccount:1", []byte(`{}`), Options{Unique: true})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if third.Id == first.Id {
		t.Error("Expected a new job once the previous one finished")
	}
}

func TestRunPicksUpDelayedJobBeforeNextPoll(t *testing.T) {
	_, store, _ := setupQueue(t)
	q := New(store, util.QueueConf{PollInterval: time.Hour, Lease: time.Minute})
	ran := make(chan struct{}, 1)
	q.Register(ClassRelationship, func(context.Context, *domain.Job) error {
		ran <- struct{}{}
		return nil
	}, ClassConfig{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	if _, err := q.Enqueue(ctx, ClassRelationship, "", []byte(`{}`), Options{Delay: 100 * time.Millisecond}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the delayed job to run when due")
	}
}
