package inbox

import (
	"context"
	"errors"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/resolver"
)

func (d *Dispatcher) create(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (Result, error) {
	obj := a.Object
	uri := obj.Id()
	if uri == "" {
		return Skip("create without object id"), nil
	}
	if d.resolver.IsLocal(uri) {
		return Skip("create of local object %s", uri), nil
	}
	if obj.IsEmbedded() {
		if !activitypub.IsPostType(obj.Type()) {
			return Skip("unsupported object type %q", obj.Type()), nil
		}
		var o activitypub.Object
		if err := obj.Decode(&o); err != nil {
			return Skip("malformed object: %v", err), nil
		}
		if o.AttributedTo.Id() != sender.Uri {
			return Skip("object %s is attributed to %s", uri, o.AttributedTo.Id()), nil
		}
		if h, err := activitypub.HostOf(uri); err != nil || h != sender.Host {
			return Skip("object %s is not on the sender's host", uri), nil
		}
	}

	ctx, err := d.resolver.Enter(ctx, uri)
	if err != nil {
		return outcome(err)
	}
	unlock, err := d.lock(ctx, uri)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	existing, err := d.resolver.FetchPost(ctx, uri)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return Skip("post %s already exists", uri), nil
	}
	_, err = d.resolver.CreatePost(ctx, obj, sender.Host)
	if errors.Is(err, resolver.ErrRecordedAsVote) {
		return OK, nil
	}
	return outcome(err)
}

func (d *Dispatcher) update(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (Result, error) {
	obj := a.Object
	typ := obj.Type()
	switch {
	case activitypub.IsActorType(typ):
		if obj.Id() != sender.Uri {
			return Skip("update of another actor %s", obj.Id()), nil
		}
		var p activitypub.Person
		if err := obj.Decode(&p); err != nil {
			return Skip("malformed actor: %v", err), nil
		}
		return outcome(d.resolver.UpdateActor(ctx, sender.Uri, &p))

	case typ == "Question":
		var o activitypub.Object
		if err := obj.Decode(&o); err != nil {
			return Skip("malformed question: %v", err), nil
		}
		post, err := d.resolver.FetchPost(ctx, o.Id)
		if err != nil {
			return Result{}, err
		}
		if post == nil {
			return Skip("question %s not found", o.Id), nil
		}
		if post.UserId != sender.Id {
			return Skip("question %s belongs to another actor", o.Id), nil
		}
		return outcome(d.svc.UpdatePollTallies(ctx, post, resolver.PollCounts(&o)))
	}
	return Skip("unsupported update of %q", typ), nil
}

// formerType classifies what a Delete removes.
func formerType(a *activitypub.Activity) string {
	if a.Object.IsEmbedded() {
		var o activitypub.Object
		if err := a.Object.Decode(&o); err == nil {
			if o.FormerType != "" {
				return o.FormerType
			}
			if t := o.TypeName(); t != "" && t != "Tombstone" {
				return t
			}
		}
	}
	if a.Object.Id() != "" && a.Object.Id() == a.Actor.Id() {
		return "Person"
	}
	return "Note"
}

func (d *Dispatcher) delete(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (Result, error) {
	uri := a.Object.Id()
	if uri == "" {
		return Skip("delete without object id"), nil
	}
	if activitypub.IsActorType(formerType(a)) {
		if uri != sender.Uri {
			return Skip("actor %s cannot delete %s", sender.Uri, uri), nil
		}
		return outcome(d.svc.MarkDeleted(ctx, sender))
	}

	unlock, err := d.lock(ctx, uri)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	post, err := d.resolver.FetchPost(ctx, uri)
	if err != nil {
		return Result{}, err
	}
	if post == nil {
		return Skip("post %s not found", uri), nil
	}
	if post.UserId != sender.Id {
		return Skip("sender is not the author of %s", uri), nil
	}
	return outcome(d.svc.DeletePost(ctx, post))
}

func (d *Dispatcher) announce(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (Result, error) {
	if a.Id == "" {
		return Skip("announce without id"), nil
	}
	target := a.Object
	if target.Id() == "" {
		return Skip("announce without object"), nil
	}
	if d.resolver.IsBlocked(target.Id()) {
		return Skip("announced object is on a blocked instance"), nil
	}

	unlock, err := d.lock(ctx, a.Id)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	existing, err := d.db.ReadPostByUri(ctx, a.Id)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return Skip("renote %s already exists", a.Id), nil
	}

	renoted, err := d.resolver.ResolvePostFrom(ctx, target, sender.Host)
	if err != nil {
		return outcome(err)
	}
	visible, err := d.svc.PostVisibleTo(ctx, renoted, sender)
	if err != nil {
		return Result{}, err
	}
	if !visible {
		return Skip("%s is not visible to the sender", renoted.Uri), nil
	}
	if a.Published != nil && a.Published.Before(renoted.CreatedAt) {
		return Skip("announce predates %s", renoted.Uri), nil
	}

	aud := activitypub.ParseAudience(sender.FollowersUri, a.To.Ids(), a.Cc.Ids())
	p := &domain.Post{
		Uri:        a.Id,
		RenoteId:   renoted.Id,
		Visibility: aud.Visibility,
	}
	if a.Published != nil {
		p.CreatedAt = a.Published.UTC()
	}
	if p.Visibility == domain.VisibilitySpecified {
		for _, uri := range aud.Addressees {
			if r, err := d.resolver.ResolveActor(ctx, uri); err == nil {
				p.VisibleUserIds = append(p.VisibleUserIds, r.Id)
			}
		}
	}
	if err := d.svc.InsertPost(ctx, sender, p, nil); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return Skip("renote %s already exists", a.Id), nil
		}
		return outcome(err)
	}
	return OK, nil
}

func (d *Dispatcher) like(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (Result, error) {
	post, err := d.resolver.FetchPost(ctx, a.Object.Id())
	if err != nil {
		return Result{}, err
	}
	if post == nil {
		return Skip("liked post %s not found", a.Object.Id()), nil
	}
	d.resolver.StoreEmojis(ctx, a.Tag, sender.Host)

	reaction := a.MisskeyReaction
	if reaction == "" {
		reaction = a.Content
	}
	if reaction == "" {
		reaction = a.Name
	}
	return outcome(d.svc.React(ctx, sender, post, reaction, nil))
}

// add pins a post to the sender's featured collection.
func (d *Dispatcher) add(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (Result, error) {
	if a.Target.Id() == "" || a.Target.Id() != sender.FeaturedUri {
		return Skip("target is not the sender's featured collection"), nil
	}
	post, err := d.resolver.ResolvePostFrom(ctx, a.Object, sender.Host)
	if err != nil {
		return outcome(err)
	}
	return outcome(d.svc.AddPin(ctx, sender, post))
}

func (d *Dispatcher) remove(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (Result, error) {
	if a.Target.Id() == "" || a.Target.Id() != sender.FeaturedUri {
		return Skip("target is not the sender's featured collection"), nil
	}
	post, err := d.resolver.FetchPost(ctx, a.Object.Id())
	if err != nil {
		return Result{}, err
	}
	if post == nil {
		return Skip("pinned post %s not found", a.Object.Id()), nil
	}
	return outcome(d.svc.RemovePin(ctx, sender, post))
}
