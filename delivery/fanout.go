// Package delivery turns one outgoing activity into one queued delivery per
// unique remote inbox, and runs those deliveries.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/queue"
)

// Store is the slice of the database fanout and delivery read.
type Store interface {
	ReadActorById(ctx context.Context, id string) (*domain.Actor, error)
	ReadRemoteFollowerInboxes(ctx context.Context, followeeId string) ([]db.FollowerInbox, error)
	ReadRelaysByStatus(ctx context.Context, status domain.RelayStatus) ([]*domain.Relay, error)
	RecordDelivery(ctx context.Context, host string, status int, ok bool) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, class, name string, payload any, opts queue.Options) (*domain.Job, error)
}

// Payload is the body of a deliver job.
type Payload struct {
	ActorId  string          `json:"actorId"`
	Inbox    string          `json:"inbox"`
	Activity json.RawMessage `json:"activity"`
}

type Fanout struct {
	store    Store
	queue    Enqueuer
	renderer *activitypub.Renderer
	blocked  []string
	signer   *activitypub.LDSigner
	log      *log.Logger
}

type FanoutOptions struct {
	BlockedHosts []string
	// LDSigner, when set, adds an RsaSignature2017 to every public
	// activity before it is queued.
	LDSigner *activitypub.LDSigner
	Logger   *log.Logger
}

func NewFanout(store Store, q Enqueuer, renderer *activitypub.Renderer, opts FanoutOptions) *Fanout {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Fanout{
		store:    store,
		queue:    q,
		renderer: renderer,
		blocked:  opts.BlockedHosts,
		signer:   opts.LDSigner,
		log:      logger.With("component", "fanout"),
	}
}

// Fanout queues activity, authored by the local actor, for every inbox that
// must receive it: the personal inbox of each remote target, the shared
// inboxes of remote followers unless the visibility is specified, and the
// accepted relays for public activities. It returns the number of jobs
// queued.
func (f *Fanout) Fanout(ctx context.Context, actor *domain.Actor, activity any, vis domain.Visibility, targets []*domain.Actor) (int, error) {
	if !actor.IsLocal() {
		return 0, fmt.Errorf("fanout for %s: %w", actor.Acct(), domain.ErrNotLocal)
	}

	var inboxes []string
	for _, t := range targets {
		if t != nil && t.IsRemote() && t.Inbox != "" {
			inboxes = append(inboxes, t.Inbox)
		}
	}

	if vis == domain.VisibilityPublic || vis == domain.VisibilityHome || vis == domain.VisibilityFollowers {
		followers, err := f.store.ReadRemoteFollowerInboxes(ctx, actor.Id)
		if err != nil {
			return 0, fmt.Errorf("reading followers of %s: %w", actor.Id, err)
		}
		for _, fi := range followers {
			if fi.SharedInbox != "" {
				inboxes = append(inboxes, fi.SharedInbox)
			} else if fi.Inbox != "" {
				inboxes = append(inboxes, fi.Inbox)
			}
		}
	}

	if vis == domain.VisibilityPublic {
		relays, err := f.store.ReadRelaysByStatus(ctx, domain.RelayAccepted)
		if err != nil {
			return 0, fmt.Errorf("reading relays: %w", err)
		}
		for _, r := range relays {
			inboxes = append(inboxes, r.Inbox)
		}
	}

	return f.enqueue(ctx, actor, activity, vis == domain.VisibilityPublic, inboxes)
}

// DeliverTo queues activity for explicit inboxes only, such as a relay's.
func (f *Fanout) DeliverTo(ctx context.Context, actor *domain.Actor, activity any, inboxes ...string) (int, error) {
	if !actor.IsLocal() {
		return 0, fmt.Errorf("delivery for %s: %w", actor.Acct(), domain.ErrNotLocal)
	}
	return f.enqueue(ctx, actor, activity, false, inboxes)
}

func (f *Fanout) enqueue(ctx context.Context, actor *domain.Actor, activity any, sign bool, inboxes []string) (int, error) {
	inboxes = f.filter(inboxes)
	if len(inboxes) == 0 {
		return 0, nil
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return 0, fmt.Errorf("encoding activity: %w", err)
	}
	if sign && f.signer != nil {
		body, err = f.ldSign(ctx, actor, body)
		if err != nil {
			return 0, err
		}
	}

	queued := 0
	for _, inbox := range inboxes {
		p := Payload{ActorId: actor.Id, Inbox: inbox, Activity: body}
		if _, err := f.queue.Enqueue(ctx, queue.ClassDeliver, inbox, p, queue.Options{}); err != nil {
			return queued, err
		}
		queued++
	}
	f.log.Debug("activity queued", "actor", actor.Id, "inboxes", queued)
	return queued, nil
}

// filter drops duplicates, our own host and blocked hosts, keeping order.
func (f *Fanout) filter(inboxes []string) []string {
	seen := make(map[string]bool, len(inboxes))
	out := make([]string, 0, len(inboxes))
	for _, inbox := range inboxes {
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true

		host, err := activitypub.HostOf(inbox)
		if err != nil {
			f.log.Warn("skipping malformed inbox", "inbox", inbox, "err", err)
			continue
		}
		if host == f.renderer.Host() || activitypub.IsBlockedHost(host, f.blocked) {
			continue
		}
		out = append(out, inbox)
	}
	return out
}

func (f *Fanout) ldSign(ctx context.Context, actor *domain.Actor, body []byte) ([]byte, error) {
	key, err := loadKey(ctx, f.store, actor.Id)
	if err != nil {
		return nil, err
	}
	signed, err := f.signer.Sign(body, key, f.renderer.KeyId(actor.Id))
	if err != nil {
		// an unsigned activity is still deliverable
		f.log.Warn("linked-data signing failed", "actor", actor.Id, "err", err)
		return body, nil
	}
	return signed, nil
}
