// Package queue is the durable job queue behind deliveries, inbound
// processing, webhooks and delayed relationship changes. Jobs live in the
// database; each class has its own worker pool, rate ceiling and attempt
// limit.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/metrics"
	"github.com/deemkeen/fedengine/util"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	ClassDeliver        = "deliver"
	ClassInbox          = "inbox"
	ClassWebhookDeliver = "webhookDeliver"
	ClassRelationship   = "relationship"
	ClassDB             = "db"
)

// Store is the persistence the queue needs; *db.DB satisfies it.
type Store interface {
	InsertJob(ctx context.Context, j *domain.Job) error
	ClaimJobs(ctx context.Context, class string, now time.Time, lease time.Duration, limit int) ([]*domain.Job, error)
	DeleteJob(ctx context.Context, id int64) error
	RescheduleJob(ctx context.Context, id int64, runAt time.Time, lastError string) error
	ReleaseJob(ctx context.Context, id int64, runAt time.Time) error
	CountJobs(ctx context.Context, class string) (int, error)
	ReadJobsByName(ctx context.Context, class, name string) ([]*domain.Job, error)
	NextRunAt(ctx context.Context, class string) (*time.Time, error)
}

// Handler processes one job. Returning an error marked with
// domain.Permanent drops the job; any other error schedules a retry.
type Handler func(ctx context.Context, job *domain.Job) error

type ClassConfig struct {
	Concurrency int
	Rps         float64
	MaxAttempts int
}

func ClassConfigFrom(c util.QueueClassConf) ClassConfig {
	return ClassConfig{Concurrency: c.Concurrency, Rps: c.Rps, MaxAttempts: c.MaxAttempts}
}

// Options tune a single enqueue.
type Options struct {
	Delay    time.Duration
	Attempts int
	// Unique returns the queued or running job of the class with the same
	// name instead of adding another.
	Unique bool
}

type class struct {
	name        string
	handler     Handler
	concurrency int
	maxAttempts int
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
	inflight    atomic.Int64
	wake        chan struct{}
}

type Queue struct {
	store   Store
	mu      sync.RWMutex
	classes map[string]*class

	pollInterval time.Duration
	lease        time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration

	now     func() time.Time
	jitter  func() float64
	metrics *metrics.Collector
	log     *log.Logger
	wg      sync.WaitGroup
}

type Option func(*Queue)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithJitter replaces the random source used for backoff jitter. It must
// return values in [0, 1).
func WithJitter(f func() float64) Option {
	return func(q *Queue) { q.jitter = f }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithLogger(l *log.Logger) Option {
	return func(q *Queue) { q.log = l.With("component", "queue") }
}

func New(store Store, conf util.QueueConf, opts ...Option) *Queue {
	q := &Queue{
		store:        store,
		classes:      map[string]*class{},
		pollInterval: conf.PollInterval,
		lease:        conf.Lease,
		backoffBase:  conf.BackoffBase,
		backoffMax:   conf.BackoffMax,
		now:          time.Now,
		jitter:       rand.Float64,
		log:          util.DiscardLogger(),
	}
	if q.pollInterval <= 0 {
		q.pollInterval = time.Second
	}
	if q.lease <= 0 {
		q.lease = 5 * time.Minute
	}
	if q.backoffBase <= 0 {
		q.backoffBase = time.Minute
	}
	if q.backoffMax < q.backoffBase {
		q.backoffMax = 8 * time.Hour
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register binds handler to class. Registering a class twice replaces the
// handler and limits.
func (q *Queue) Register(name string, handler Handler, cc ClassConfig) {
	if cc.Concurrency <= 0 {
		cc.Concurrency = 1
	}
	if cc.MaxAttempts <= 0 {
		cc.MaxAttempts = 1
	}
	limit := rate.Inf
	burst := cc.Concurrency
	if cc.Rps > 0 {
		limit = rate.Limit(cc.Rps)
		if b := int(cc.Rps); b > burst {
			burst = b
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.classes[name] = &class{
		name:        name,
		handler:     handler,
		concurrency: cc.Concurrency,
		maxAttempts: cc.MaxAttempts,
		sem:         semaphore.NewWeighted(int64(cc.Concurrency)),
		limiter:     rate.NewLimiter(limit, burst),
		wake:        make(chan struct{}, 1),
	}
}

func (q *Queue) class(name string) (*class, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	c, ok := q.classes[name]
	if !ok {
		return nil, fmt.Errorf("unknown queue class %q", name)
	}
	return c, nil
}

// Enqueue stores a job. payload is marshaled to JSON unless it is already
// a []byte.
func (q *Queue) Enqueue(ctx context.Context, className, name string, payload any, opts Options) (*domain.Job, error) {
	c, err := q.class(className)
	if err != nil {
		return nil, err
	}

	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", className, err)
		}
	}

	if opts.Unique && name != "" {
		pending, err := q.store.ReadJobsByName(ctx, className, name)
		if err != nil {
			return nil, fmt.Errorf("looking up %s job %s: %w", className, name, err)
		}
		if len(pending) > 0 {
			return pending[0], nil
		}
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = c.maxAttempts
	}
	now := q.now()
	job := &domain.Job{
		Class:       className,
		Name:        name,
		Payload:     raw,
		MaxAttempts: attempts,
		RunAt:       now.Add(opts.Delay),
		CreatedAt:   now,
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueueing %s job: %w", className, err)
	}

	// a delayed job may fall due before the next poll
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// Backoff is the delay before retry number attempt (1-based): base doubled
// per attempt, capped at max, with ±20% jitter from rnd in [0, 1).
func Backoff(attempt int, base, max time.Duration, rnd float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	factor := 0.8 + 0.4*rnd
	return time.Duration(float64(d) * factor)
}

// Run polls every registered class until ctx is done, then waits for
// in-flight jobs to finish.
func (q *Queue) Run(ctx context.Context) {
	q.mu.RLock()
	classes := make([]*class, 0, len(q.classes))
	for _, c := range q.classes {
		classes = append(classes, c)
	}
	q.mu.RUnlock()

	var loops sync.WaitGroup
	for _, c := range classes {
		loops.Add(1)
		go func(c *class) {
			defer loops.Done()
			q.loop(ctx, c)
		}(c)
	}
	loops.Wait()
	q.wg.Wait()
}

func (q *Queue) loop(ctx context.Context, c *class) {
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()

	for {
		q.dispatch(ctx, c)
		timer.Reset(q.nextWait(ctx, c))
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-c.wake:
		}
	}
}

// nextWait is the poll interval, shortened when a queued job of c falls
// due before it. Jobs already due wait for capacity, a wake or the poll.
func (q *Queue) nextWait(ctx context.Context, c *class) time.Duration {
	next, err := q.store.NextRunAt(ctx, c.name)
	if err != nil || next == nil {
		return q.pollInterval
	}
	if d := next.Sub(q.now()); d > 0 && d < q.pollInterval {
		return d
	}
	return q.pollInterval
}

// dispatch claims as many due jobs as the pool and the rate ceiling allow
// and starts them.
func (q *Queue) dispatch(ctx context.Context, c *class) {
	free := c.concurrency - int(c.inflight.Load())
	if c.limiter.Limit() != rate.Inf {
		if tokens := int(c.limiter.Tokens()); tokens < free {
			free = tokens
		}
	}
	if free <= 0 {
		return
	}

	jobs, err := q.store.ClaimJobs(ctx, c.name, q.now(), q.lease, free)
	if err != nil {
		if ctx.Err() == nil {
			q.log.Error("claiming jobs failed", "class", c.name, "err", err)
		}
		return
	}

	for _, job := range jobs {
		if !c.limiter.Allow() || !c.sem.TryAcquire(1) {
			// over the ceiling: hand the job back without spending an attempt
			if err := q.store.ReleaseJob(ctx, job.Id, q.now()); err != nil {
				q.log.Error("releasing job failed", "class", c.name, "job", job.Id, "err", err)
			}
			continue
		}
		c.inflight.Add(1)
		q.wg.Add(1)
		go func(job *domain.Job) {
			defer q.wg.Done()
			defer c.inflight.Add(-1)
			defer c.sem.Release(1)
			q.execute(context.WithoutCancel(ctx), c, job)
		}(job)
	}
	q.observeDepth(ctx, c.name)
}

// ProcessDue synchronously runs every job of className that is due now,
// ignoring the rate ceiling. It returns the number of jobs executed.
func (q *Queue) ProcessDue(ctx context.Context, className string) (int, error) {
	c, err := q.class(className)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		jobs, err := q.store.ClaimJobs(ctx, c.name, q.now(), q.lease, c.concurrency)
		if err != nil {
			return total, err
		}
		if len(jobs) == 0 {
			q.observeDepth(ctx, c.name)
			return total, nil
		}

		var wg sync.WaitGroup
		for _, job := range jobs {
			wg.Add(1)
			go func(job *domain.Job) {
				defer wg.Done()
				q.execute(ctx, c, job)
			}(job)
		}
		wg.Wait()
		total += len(jobs)
	}
}

// Drain processes due jobs of every class until a full pass finds none.
// Jobs enqueued by handlers during the drain are picked up as well.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.RLock()
	names := make([]string, 0, len(q.classes))
	for name := range q.classes {
		names = append(names, name)
	}
	q.mu.RUnlock()

	for {
		ran := 0
		for _, name := range names {
			n, err := q.ProcessDue(ctx, name)
			if err != nil {
				return err
			}
			ran += n
		}
		if ran == 0 {
			return nil
		}
	}
}

func (q *Queue) execute(ctx context.Context, c *class, job *domain.Job) {
	err := c.handler(ctx, job)
	logger := q.log.With("class", c.name, "job", job.Id, "name", job.Name, "attempt", job.Attempts)

	switch {
	case err == nil:
		q.finish(ctx, job, "done")
	case domain.IsPermanent(err):
		logger.Warn("job failed permanently", "err", err)
		q.finish(ctx, job, "dropped")
	case job.Attempts >= job.MaxAttempts:
		logger.Warn("job exhausted its attempts", "err", err)
		q.finish(ctx, job, "exhausted")
	default:
		delay := Backoff(job.Attempts, q.backoffBase, q.backoffMax, q.jitter())
		logger.Debug("job failed, retrying", "in", delay, "err", err)
		if rerr := q.store.RescheduleJob(ctx, job.Id, q.now().Add(delay), err.Error()); rerr != nil {
			logger.Error("rescheduling job failed", "err", rerr)
		}
		q.metrics.Job(c.name, "retry")
	}
}

func (q *Queue) finish(ctx context.Context, job *domain.Job, outcome string) {
	if err := q.store.DeleteJob(ctx, job.Id); err != nil {
		q.log.Error("deleting finished job failed", "job", job.Id, "err", err)
	}
	q.metrics.Job(job.Class, outcome)
}

func (q *Queue) observeDepth(ctx context.Context, className string) {
	if q.metrics == nil {
		return
	}
	n, err := q.store.CountJobs(ctx, className)
	if err == nil {
		q.metrics.QueueDepth(className, n)
	}
}
