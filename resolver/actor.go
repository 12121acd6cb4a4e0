package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/domain"
)

var remoteUsername = regexp.MustCompile(`^\w([\w.-]*\w)?$`)

// FetchActor looks uri up in the cache and the store only. It returns nil
// when the actor is unknown.
func (r *Resolver) FetchActor(ctx context.Context, uri string) (*domain.Actor, error) {
	if id, ok := r.renderer.LocalId("users", uri); ok {
		return r.cache.GetActor(ctx, id)
	}
	return r.cache.GetActorByUri(ctx, uri)
}

// ResolveActor returns the actor at uri, fetching and storing it when it is
// not known yet. Known actors past their staleness window are refreshed in
// the background.
func (r *Resolver) ResolveActor(ctx context.Context, uri string) (*domain.Actor, error) {
	if uri == "" {
		return nil, domain.Permanent(errors.New("empty actor uri"))
	}
	_, local, err := r.checkHost(uri)
	if err != nil {
		return nil, err
	}
	a, err := r.FetchActor(ctx, uri)
	if err != nil {
		return nil, err
	}
	if a != nil {
		r.RefreshStale(a)
		return a, nil
	}
	if local {
		return nil, domain.Permanent(fmt.Errorf("actor %s: %w", uri, ErrLocalObject))
	}

	v, err, _ := r.actors.Do(uri, func() (any, error) {
		return r.createActor(ctx, uri, nil)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Actor), nil
}

// RefreshStale schedules a background refresh of a remote actor whose
// profile is older than the staleness window.
func (r *Resolver) RefreshStale(a *domain.Actor) {
	if !a.IsStale(time.Now(), r.staleAfter) {
		return
	}
	uri := a.Uri
	r.submit("refresh-actor "+uri, func(ctx context.Context) error {
		return r.UpdateActor(ctx, uri, nil)
	})
}

// Refresh refetches a remote actor when it is stale or force is set and
// returns the current state.
func (r *Resolver) Refresh(ctx context.Context, a *domain.Actor, force bool) (*domain.Actor, error) {
	if a.IsLocal() || (!force && !a.IsStale(time.Now(), r.staleAfter)) {
		return a, nil
	}
	if err := r.UpdateActor(ctx, a.Uri, nil); err != nil {
		return nil, err
	}
	return r.cache.GetActor(ctx, a.Id)
}

func (r *Resolver) fetchPerson(ctx context.Context, uri string) (*activitypub.Person, error) {
	body, err := r.fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	var p activitypub.Person
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, domain.Permanent(fmt.Errorf("decoding actor %s: %w", uri, err))
	}
	return &p, nil
}

// validatePerson checks that every endpoint of the actor lives on the host
// it was fetched from.
func validatePerson(uri string, p *activitypub.Person) error {
	host, err := activitypub.HostOf(uri)
	if err != nil {
		return err
	}
	if !activitypub.IsActorType(p.TypeName()) {
		return fmt.Errorf("unsupported actor type %q", p.Type)
	}
	if p.Id == "" || !sameHost(p.Id, host) {
		return fmt.Errorf("actor id %q does not belong to %s", p.Id, host)
	}
	if p.Inbox == "" {
		return errors.New("actor has no inbox")
	}
	checks := map[string]string{
		"inbox":       p.Inbox,
		"sharedInbox": p.SharedInboxUrl(),
		"followers":   p.Followers,
		"outbox":      p.Outbox,
	}
	if p.PublicKey != nil {
		checks["publicKey"] = p.PublicKey.Id
	}
	for field, v := range checks {
		if v != "" && !sameHost(v, host) {
			return fmt.Errorf("actor %s %q does not belong to %s", field, v, host)
		}
	}
	if !remoteUsername.MatchString(p.PreferredUsername) {
		return fmt.Errorf("invalid username %q", p.PreferredUsername)
	}
	if u := p.Url.Id(); u != "" && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("actor url %q is not https", u)
	}
	return nil
}

func sameHost(uri, host string) bool {
	h, err := activitypub.HostOf(uri)
	return err == nil && h == host
}

// applyPerson copies the profile of p onto a.
func (r *Resolver) applyPerson(ctx context.Context, a *domain.Actor, p *activitypub.Person) {
	a.Username = p.PreferredUsername
	a.Url = p.Url.Id()
	a.Inbox = p.Inbox
	a.SharedInbox = p.SharedInboxUrl()
	a.Outbox = p.Outbox
	a.FollowersUri = p.Followers
	a.FeaturedUri = p.Featured
	a.Name = strings.TrimSpace(p.Name)
	a.Summary = r.htmlToText(p.Summary)
	a.IsBot = p.TypeName() == "Service" || p.TypeName() == "Application"
	a.IsLocked = p.ManuallyApprovesFollowers
	a.AlsoKnownAs = p.AlsoKnownAs
	if p.PublicKey != nil {
		a.KeyId = p.PublicKey.Id
		a.PublicKeyPem = p.PublicKey.PublicKeyPem
	}

	a.Fields = nil
	for _, f := range p.Attachment {
		if f.Type != "PropertyValue" {
			continue
		}
		a.Fields = append(a.Fields, domain.ProfileField{Name: f.Name, Value: r.htmlToText(f.Value)})
	}
	a.Tags = hashtags(p.Tag)
	a.Emojis = r.StoreEmojis(ctx, p.Tag, a.Host)

	now := time.Now().UTC()
	a.LastFetchedAt = &now
}

// createActor fetches (unless embedded is given) and stores a new remote
// actor. A concurrent insert of the same uri wins and is returned.
func (r *Resolver) createActor(ctx context.Context, uri string, embedded *activitypub.Person) (*domain.Actor, error) {
	p := embedded
	if p == nil {
		var err error
		if p, err = r.fetchPerson(ctx, uri); err != nil {
			return nil, err
		}
	}
	if err := validatePerson(uri, p); err != nil {
		return nil, domain.Permanent(fmt.Errorf("actor %s: %w", uri, err))
	}
	host, _ := activitypub.HostOf(p.Id)

	a := &domain.Actor{
		Id:         domain.NewID(),
		Host:       host,
		Uri:        p.Id,
		MovedToUri: p.MovedTo,
	}
	if p.Published != nil {
		a.CreatedAt = p.Published.UTC()
	}
	r.applyPerson(ctx, a, p)

	if err := r.db.CreateActor(ctx, a); err != nil {
		if !errors.Is(err, domain.ErrDuplicate) {
			return nil, fmt.Errorf("storing actor %s: %w", uri, err)
		}
		existing, rerr := r.db.ReadActorByUri(ctx, p.Id)
		if rerr != nil {
			return nil, rerr
		}
		if existing == nil {
			return nil, domain.Permanent(fmt.Errorf("actor %s collides with another account named %s", uri, a.Acct()))
		}
		return existing, nil
	}

	if err := r.svc.ActorRegistered(ctx, a); err != nil {
		r.log.Warn("registering actor on its instance failed", "actor", a.Uri, "err", err)
	}
	r.cache.SetActor(ctx, a)
	r.resolveImages(a, p)
	r.log.Debug("remote actor stored", "actor", a.Uri, "acct", a.Acct())
	return a, nil
}

// UpdateActor refetches the remote actor at uri, or applies embedded when
// the actor pushed its own profile, and stores the result. A changed
// movedTo runs the remote move unless the previous move is recent.
func (r *Resolver) UpdateActor(ctx context.Context, uri string, embedded *activitypub.Person) error {
	if _, local, err := r.checkHost(uri); err != nil {
		return err
	} else if local {
		return domain.Permanent(fmt.Errorf("refusing to update local actor %s", uri))
	}
	a, err := r.db.ReadActorByUri(ctx, uri)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("actor %s: %w", uri, domain.ErrNotFound)
	}

	p := embedded
	if p == nil {
		if p, err = r.fetchPerson(ctx, uri); err != nil {
			return err
		}
	}
	if p.Id != uri {
		return domain.Permanent(fmt.Errorf("actor update for %s carries id %s", uri, p.Id))
	}
	if err := validatePerson(uri, p); err != nil {
		return domain.Permanent(fmt.Errorf("actor %s: %w", uri, err))
	}

	prevMovedAt := a.MovedAt
	moved := p.MovedTo != "" && p.MovedTo != a.MovedToUri
	r.applyPerson(ctx, a, p)
	if p.MovedTo != a.MovedToUri {
		a.MovedToUri = p.MovedTo
		if p.MovedTo == "" {
			a.MovedAt = nil
		} else {
			now := time.Now().UTC()
			a.MovedAt = &now
		}
	}

	if err := r.db.UpdateActorProfile(ctx, a); err != nil {
		return fmt.Errorf("updating actor %s: %w", uri, err)
	}
	r.cache.ActorChanged(ctx, a)
	r.resolveImages(a, p)

	if !moved || r.moves == nil {
		return nil
	}
	if prevMovedAt != nil && time.Since(*prevMovedAt) < r.moveCooldown {
		r.log.Info("ignoring repeated move", "actor", a.Uri, "movedTo", a.MovedToUri, "previous", prevMovedAt)
		return nil
	}
	if err := r.moves.ProcessRemoteMove(ctx, a, nil); err != nil {
		return fmt.Errorf("processing move of %s: %w", a.Uri, err)
	}
	return nil
}

// resolveImages stores avatar and banner off the request path. Images on
// blocked hosts or served over plain http are dropped.
func (r *Resolver) resolveImages(a *domain.Actor, p *activitypub.Person) {
	avatar, banner := "", ""
	if p.Icon != nil {
		avatar = r.imageUrl(p.Icon.Url)
	}
	if p.Image != nil {
		banner = r.imageUrl(p.Image.Url)
	}
	if avatar == a.AvatarUrl && banner == a.BannerUrl {
		return
	}
	id := a.Id
	r.submit("actor-images "+a.Uri, func(ctx context.Context) error {
		if err := r.db.UpdateActorImages(ctx, id, avatar, banner); err != nil {
			return err
		}
		r.cache.InvalidateActor(ctx, id)
		return nil
	})
}

func (r *Resolver) imageUrl(u string) string {
	if !strings.HasPrefix(u, "https://") || r.IsBlocked(u) {
		return ""
	}
	return u
}

func hashtags(tags []activitypub.Tag) []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range tags {
		if t.Type != "Hashtag" {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(t.Name, "#"))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// StoreEmojis upserts the custom emojis declared in tags and returns their
// names.
func (r *Resolver) StoreEmojis(ctx context.Context, tags []activitypub.Tag, host string) []string {
	var names []string
	for _, t := range tags {
		if t.Type != "Emoji" || t.Icon == nil || t.Icon.Url == "" {
			continue
		}
		name := strings.Trim(t.Name, ":")
		if name == "" {
			continue
		}
		e := &domain.Emoji{Name: name, Host: host, Url: t.Icon.Url}
		if err := r.db.UpsertEmoji(ctx, e); err != nil {
			r.log.Warn("storing emoji failed", "emoji", name, "host", host, "err", err)
			continue
		}
		names = append(names, name)
	}
	return names
}
