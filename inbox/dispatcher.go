// Package inbox applies verified inbound activities to local state. The
// Dispatcher switches over the closed set of activity kinds; the Processor
// runs queued inbox jobs through signature verification first.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/cache"
	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/lock"
	"github.com/deemkeen/fedengine/metrics"
	"github.com/deemkeen/fedengine/resolver"
	"github.com/deemkeen/fedengine/service"
)

const lockWait = 30 * time.Second

// Result is the outcome of an activity that did not fail: either applied
// or skipped for a reason.
type Result struct {
	Skipped bool
	Reason  string
}

var OK = Result{}

func Skip(format string, args ...any) Result {
	return Result{Skipped: true, Reason: fmt.Sprintf(format, args...)}
}

func (r Result) String() string {
	if r.Skipped {
		return "skip: " + r.Reason
	}
	return "ok"
}

type Deps struct {
	Service  *service.Service
	Resolver *resolver.Resolver
	Cache    *cache.Service
	DB       *db.DB
	// Locker defaults to the resolver's, which it must be shared with.
	Locker  lock.Locker
	Metrics *metrics.Collector
	Logger  *log.Logger
}

type Dispatcher struct {
	svc      *service.Service
	resolver *resolver.Resolver
	renderer *activitypub.Renderer
	cache    *cache.Service
	db       *db.DB
	locker   lock.Locker
	metrics  *metrics.Collector
	log      *log.Logger
}

func NewDispatcher(d Deps) *Dispatcher {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	locker := d.Locker
	if locker == nil {
		locker = d.Resolver.Locker()
	}
	return &Dispatcher{
		svc:      d.Service,
		resolver: d.Resolver,
		renderer: d.Service.Renderer(),
		cache:    d.Cache,
		db:       d.DB,
		locker:   locker,
		metrics:  d.Metrics,
		log:      logger.With("component", "inbox"),
	}
}

// HandleActivity applies a, sent and verified as sender. Domain-rule
// outcomes come back as skips; only unexpected failures are errors.
func (d *Dispatcher) HandleActivity(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (Result, error) {
	if sender.IsSuspended || sender.IsDeleted {
		return Skip("sender %s is suspended", sender.Uri), nil
	}
	defer func() {
		// a Move has already refetched the sender
		if !sender.IsDeleted && a.Kind() != activitypub.KindMove {
			d.resolver.RefreshStale(sender)
		}
	}()

	if a.Kind() == activitypub.KindCollection {
		return d.collection(ctx, sender, a)
	}
	return d.dispatch(ctx, sender, a)
}

func (d *Dispatcher) dispatch(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (res Result, err error) {
	kind := a.Kind()
	defer func() {
		switch {
		case err != nil:
			d.metrics.Activity(kind.String(), "error")
		case res.Skipped:
			d.metrics.Activity(kind.String(), "skip")
			d.log.Debug("activity skipped", "type", a.Type, "id", a.Id, "actor", sender.Uri, "reason", res.Reason)
		default:
			d.metrics.Activity(kind.String(), "ok")
		}
	}()

	switch kind {
	case activitypub.KindCreate:
		return d.create(ctx, sender, a)
	case activitypub.KindUpdate:
		return d.update(ctx, sender, a)
	case activitypub.KindDelete:
		return d.delete(ctx, sender, a)
	case activitypub.KindFollow:
		return d.follow(ctx, sender, a)
	case activitypub.KindAccept:
		return d.acceptOrReject(ctx, sender, a, true)
	case activitypub.KindReject:
		return d.acceptOrReject(ctx, sender, a, false)
	case activitypub.KindAdd:
		return d.add(ctx, sender, a)
	case activitypub.KindRemove:
		return d.remove(ctx, sender, a)
	case activitypub.KindAnnounce:
		return d.announce(ctx, sender, a)
	case activitypub.KindLike:
		return d.like(ctx, sender, a)
	case activitypub.KindUndo:
		return d.undo(ctx, sender, a)
	case activitypub.KindBlock:
		return d.block(ctx, sender, a)
	case activitypub.KindFlag:
		return d.flag(ctx, sender, a)
	case activitypub.KindMove:
		return d.move(ctx, sender, a)
	case activitypub.KindCollection:
		return Skip("nested collection"), nil
	default:
		d.log.Warn("unsupported activity", "type", a.Type, "id", a.Id, "actor", sender.Uri)
		return Skip("unsupported activity type %q", a.Type), nil
	}
}

// collection handles every item on its own. A failing item is logged and
// does not affect its siblings.
func (d *Dispatcher) collection(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (Result, error) {
	items := a.CollectionItems()
	if len(items) == 0 {
		return Skip("empty collection"), nil
	}
	handled := 0
	for _, item := range items {
		act, err := d.activityOf(ctx, item)
		if err != nil {
			d.log.Warn("collection item unavailable", "collection", a.Id, "item", item.Id(), "err", err)
			continue
		}
		if act.Actor.Id() != sender.Uri {
			d.log.Warn("collection item from another actor", "collection", a.Id, "item", act.Id, "actor", act.Actor.Id())
			continue
		}
		res, err := d.dispatch(ctx, sender, act)
		if err != nil {
			d.log.Warn("collection item failed", "collection", a.Id, "item", act.Id, "err", err)
			continue
		}
		if !res.Skipped {
			handled++
		}
	}
	if handled == 0 {
		return Skip("no collection item applied"), nil
	}
	return OK, nil
}

// activityOf decodes an embedded activity or fetches one given by id.
func (d *Dispatcher) activityOf(ctx context.Context, ref activitypub.Ref) (*activitypub.Activity, error) {
	if ref.IsEmbedded() {
		a, err := activitypub.ParseActivity(ref.Raw())
		if err != nil {
			return nil, domain.Permanent(err)
		}
		return a, nil
	}
	if ref.Id() == "" {
		return nil, domain.Permanent(errors.New("reference without id"))
	}
	return d.resolver.FetchActivity(ctx, ref.Id())
}

// localActor returns the local actor addressed by uri, or nil.
func (d *Dispatcher) localActor(ctx context.Context, uri string) (*domain.Actor, error) {
	id, ok := d.renderer.LocalId("users", uri)
	if !ok {
		return nil, nil
	}
	a, err := d.cache.GetActor(ctx, id)
	if err != nil || a == nil || !a.IsLocal() {
		return nil, err
	}
	return a, nil
}

func (d *Dispatcher) lock(ctx context.Context, uri string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	unlock, err := d.locker.Lock(ctx, lock.ObjectKey(uri))
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", uri, err)
	}
	return unlock, nil
}

// outcome turns domain-rule and permanent failures into skips.
func outcome(err error) (Result, error) {
	switch {
	case err == nil:
		return OK, nil
	case domain.IsRuleViolation(err), domain.IsPermanent(err):
		return Skip("%v", err), nil
	}
	return Result{}, err
}
