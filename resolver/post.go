package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/domain"
)

// FetchPost looks uri up in the store only. It returns nil when no live
// post has the uri.
func (r *Resolver) FetchPost(ctx context.Context, uri string) (*domain.Post, error) {
	p, err := r.svc.PostByUri(ctx, uri)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// ResolvePost resolves a post reference, always fetching its object.
func (r *Resolver) ResolvePost(ctx context.Context, ref activitypub.Ref) (*domain.Post, error) {
	return r.ResolvePostFrom(ctx, ref, "")
}

// ResolvePostFrom resolves a post reference delivered by originHost. An
// embedded object is trusted instead of fetched only when its id lives on
// originHost.
func (r *Resolver) ResolvePostFrom(ctx context.Context, ref activitypub.Ref, originHost string) (*domain.Post, error) {
	uri := ref.Id()
	if uri == "" {
		return nil, domain.Permanent(errors.New("post reference without id"))
	}
	_, local, err := r.checkHost(uri)
	if err != nil {
		return nil, err
	}
	if p, err := r.FetchPost(ctx, uri); err != nil || p != nil {
		return p, err
	}
	if local {
		return nil, domain.Permanent(fmt.Errorf("post %s: %w", uri, ErrLocalObject))
	}
	ctx, err = enter(ctx, uri)
	if err != nil {
		return nil, err
	}

	// Only loading the object is shared between concurrent callers. The
	// references it carries are resolved by each caller on its own chain,
	// so a reply cycle spanning two resolutions ends as a cycle error
	// instead of two calls waiting on each other.
	o, fetched, err := r.loadPost(ctx, ref, originHost)
	if err != nil {
		return nil, err
	}
	return r.createPost(ctx, o, fetched, false)
}

// CreatePost stores the post behind ref. The caller must hold the object
// lock for the uri, have checked that it is not stored yet and have entered
// the uri on the resolution chain of ctx.
func (r *Resolver) CreatePost(ctx context.Context, ref activitypub.Ref, originHost string) (*domain.Post, error) {
	o, fetched, err := r.loadPost(ctx, ref, originHost)
	if err != nil {
		return nil, err
	}
	return r.createPost(ctx, o, fetched, true)
}

// Enter records uri on the resolution chain of ctx. Callers that lock an
// object before CreatePost enter it first, so a reference looping back to
// it fails as a cycle instead of waiting for their own lock.
func (r *Resolver) Enter(ctx context.Context, uri string) (context.Context, error) {
	return enter(ctx, uri)
}

// loadPost decodes an embedded object from its origin or fetches it, then
// validates it. Concurrent fetches of one uri share a single request.
func (r *Resolver) loadPost(ctx context.Context, ref activitypub.Ref, originHost string) (*activitypub.Object, bool, error) {
	uri := ref.Id()
	if ref.IsEmbedded() && originHost != "" && sameHost(uri, activitypub.ToPuny(originHost)) {
		var o activitypub.Object
		if err := ref.Decode(&o); err != nil {
			return nil, false, domain.Permanent(fmt.Errorf("decoding post %s: %w", uri, err))
		}
		if err := validateObject(uri, &o); err != nil {
			return nil, false, domain.Permanent(fmt.Errorf("post %s: %w", uri, err))
		}
		return &o, false, nil
	}

	v, err, _ := r.posts.Do(uri, func() (any, error) {
		body, err := r.fetch(ctx, uri)
		if err != nil {
			return nil, err
		}
		var o activitypub.Object
		if err := json.Unmarshal(body, &o); err != nil {
			return nil, domain.Permanent(fmt.Errorf("decoding post %s: %w", uri, err))
		}
		if err := validateObject(uri, &o); err != nil {
			return nil, domain.Permanent(fmt.Errorf("post %s: %w", uri, err))
		}
		return &o, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*activitypub.Object), true, nil
}

// validateObject checks that the object, its author and its url all live
// on the host of uri.
func validateObject(uri string, o *activitypub.Object) error {
	host, err := activitypub.HostOf(uri)
	if err != nil {
		return err
	}
	if !activitypub.IsPostType(o.TypeName()) {
		return fmt.Errorf("unsupported object type %q", o.Type)
	}
	if o.Id == "" || !sameHost(o.Id, host) {
		return fmt.Errorf("object id %q does not belong to %s", o.Id, host)
	}
	author := o.AttributedTo.Id()
	if author == "" {
		return errors.New("object has no attributedTo")
	}
	if !sameHost(author, host) {
		return fmt.Errorf("attributedTo %q does not belong to %s", author, host)
	}
	if u := o.Url.Id(); u != "" && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("object url %q is not https", u)
	}
	return nil
}

// createPost resolves everything o refers to and inserts it. Unless the
// caller already holds the object lock, the lock is taken only around the
// insert.
func (r *Resolver) createPost(ctx context.Context, o *activitypub.Object, fetched, locked bool) (*domain.Post, error) {
	author, err := r.ResolveActor(ctx, o.AttributedTo.Id())
	if err != nil {
		return nil, fmt.Errorf("resolving author of %s: %w", o.Id, err)
	}
	if author.IsSuspended || author.IsDeleted {
		return nil, domain.Permanent(fmt.Errorf("author of %s: %w", o.Id, domain.ErrSuspended))
	}

	p := &domain.Post{
		Uri:  o.Id,
		Url:  o.Url.Id(),
		Text: r.content(o),
		Cw:   strings.TrimSpace(o.Summary),
	}
	if o.Published != nil {
		p.CreatedAt = o.Published.UTC()
	}

	aud := activitypub.ParseAudience(author.FollowersUri, o.To.Ids(), o.Cc.Ids())
	p.Visibility = aud.Visibility
	recipients := r.resolveActors(ctx, aud.Addressees)
	if p.Visibility == domain.VisibilitySpecified {
		p.VisibleUserIds = actorIds(recipients)
		// Objects fetched anonymously come without their private audience.
		if len(p.VisibleUserIds) == 0 && fetched {
			p.Visibility = domain.VisibilityPublic
		}
	}

	if reply := o.InReplyTo.Id(); reply != "" && reply != o.Id {
		parent, err := r.ResolvePost(ctx, activitypub.NewRef(reply))
		if err != nil {
			return nil, fmt.Errorf("resolving reply target of %s: %w", o.Id, err)
		}
		p.ReplyId = parent.Id
		if voted, err := r.recordVote(ctx, author, parent, o); voted || err != nil {
			return nil, err
		}
	}

	if quote, err := r.resolveQuote(ctx, o); err != nil {
		return nil, err
	} else if quote != nil {
		p.QuoteId = quote.Id
	}

	var mentionUris []string
	for _, t := range o.Tag {
		if t.Type == "Mention" && t.Href != "" {
			mentionUris = append(mentionUris, t.Href)
		}
	}
	p.Mentions = actorIds(r.resolveActors(ctx, mentionUris))
	p.Tags = hashtags(o.Tag)
	p.Emojis = r.StoreEmojis(ctx, o.Tag, author.Host)

	if !locked {
		unlock, err := r.lock(ctx, o.Id)
		if err != nil {
			return nil, err
		}
		defer unlock()
		if existing, err := r.FetchPost(ctx, o.Id); err != nil || existing != nil {
			return existing, err
		}
	}
	if err := r.svc.InsertPost(ctx, author, p, pollOf(o)); err != nil {
		if !errors.Is(err, domain.ErrDuplicate) {
			return nil, err
		}
		existing, rerr := r.db.ReadPostByUri(ctx, o.Id)
		if rerr != nil {
			return nil, rerr
		}
		if existing == nil || existing.IsDeleted {
			return nil, domain.Permanent(fmt.Errorf("post %s: %w", o.Id, domain.ErrNotFound))
		}
		return existing, nil
	}
	r.log.Debug("remote post stored", "post", p.Uri, "author", author.Acct())
	return p, nil
}

// recordVote stores o as a vote when it answers an open poll by naming one
// of its choices. It reports whether o was consumed as a vote.
func (r *Resolver) recordVote(ctx context.Context, voter *domain.Actor, parent *domain.Post, o *activitypub.Object) (bool, error) {
	if o.Name == "" || !parent.HasPoll {
		return false, nil
	}
	poll, err := r.db.ReadPoll(ctx, parent.Id)
	if err != nil {
		return false, err
	}
	if poll == nil || poll.IsClosed(time.Now()) {
		return false, nil
	}
	choice := poll.ChoiceIndex(o.Name)
	if choice < 0 {
		return false, nil
	}
	if err := r.svc.Vote(ctx, voter, parent, choice); err != nil {
		return true, fmt.Errorf("voting on %s: %w", parent.Id, err)
	}
	return true, domain.Permanent(ErrRecordedAsVote)
}

// resolveQuote tries every quote candidate in order. When none resolves the
// quote is dropped, unless some failure was temporary.
func (r *Resolver) resolveQuote(ctx context.Context, o *activitypub.Object) (*domain.Post, error) {
	var temporary error
	for _, uri := range o.QuoteCandidates() {
		if uri == o.Id {
			continue
		}
		q, err := r.ResolvePost(ctx, activitypub.NewRef(uri))
		if err == nil {
			return q, nil
		}
		if !domain.IsPermanent(err) {
			temporary = err
		}
		r.log.Debug("quote candidate failed", "post", o.Id, "quote", uri, "err", err)
	}
	if temporary != nil {
		return nil, fmt.Errorf("resolving quote of %s: %w", o.Id, temporary)
	}
	return nil, nil
}

// resolveActors resolves addressees and mentions. Unresolvable ones are
// skipped.
func (r *Resolver) resolveActors(ctx context.Context, uris []string) []*domain.Actor {
	var out []*domain.Actor
	for _, uri := range uris {
		a, err := r.ResolveActor(ctx, uri)
		if err != nil {
			r.log.Debug("skipping unresolvable actor", "uri", uri, "err", err)
			continue
		}
		out = append(out, a)
	}
	return out
}

// content prefers the MFM source a sender may attach over the rendered
// HTML.
func (r *Resolver) content(o *activitypub.Object) string {
	if o.Source != nil && o.Source.MediaType == "text/x.misskeymarkdown" {
		return o.Source.Content
	}
	return r.htmlToText(o.Content)
}

func pollOf(o *activitypub.Object) *domain.Poll {
	if o.TypeName() != "Question" {
		return nil
	}
	options, multiple := o.OneOf, false
	if len(o.AnyOf) > 0 {
		options, multiple = o.AnyOf, true
	}
	if len(options) == 0 {
		return nil
	}
	poll := &domain.Poll{Multiple: multiple}
	for _, opt := range options {
		poll.Choices = append(poll.Choices, opt.Name)
		n := 0
		if opt.Replies != nil {
			n = opt.Replies.TotalItems
		}
		poll.Votes = append(poll.Votes, n)
	}
	switch {
	case o.EndTime != nil:
		t := o.EndTime.UTC()
		poll.ExpiresAt = &t
	case o.Closed != nil:
		t := o.Closed.UTC()
		poll.ExpiresAt = &t
	}
	return poll
}

// PollCounts extracts per-choice tallies from a Question.
func PollCounts(o *activitypub.Object) map[string]int {
	counts := map[string]int{}
	for _, opt := range append(append([]activitypub.PollOption{}, o.OneOf...), o.AnyOf...) {
		if opt.Replies != nil {
			counts[opt.Name] = opt.Replies.TotalItems
		}
	}
	return counts
}

func actorIds(actors []*domain.Actor) []string {
	seen := map[string]bool{}
	var ids []string
	for _, a := range actors {
		if seen[a.Id] {
			continue
		}
		seen[a.Id] = true
		ids = append(ids, a.Id)
	}
	return ids
}
