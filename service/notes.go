package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
)

// InsertPost is the one routine every post goes through, local or remote.
// It fills in the author, thread and timestamps, validates, and moves the
// author, parent and instance counters in the same transaction. A post
// whose uri is already stored fails with domain.ErrDuplicate.
func (s *Service) InsertPost(ctx context.Context, author *domain.Actor, p *domain.Post, poll *domain.Poll) error {
	if author.IsSuspended {
		return domain.Permanent(domain.ErrSuspended)
	}
	if p.Id == "" {
		p.Id = domain.NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UserId = author.Id
	p.UserHost = author.Host
	p.HasPoll = poll != nil
	if err := p.Validate(); err != nil {
		return domain.Permanent(err)
	}

	err := s.db.WithTx(ctx, func(tx *db.Queries) error {
		p.ThreadId = p.Id
		if p.ReplyId != "" {
			parent, err := tx.ReadPostById(ctx, p.ReplyId)
			if err != nil {
				return err
			}
			if parent != nil && parent.ThreadId != "" {
				p.ThreadId = parent.ThreadId
			} else {
				p.ThreadId = p.ReplyId
			}
		}
		if err := tx.CreatePost(ctx, p); err != nil {
			return err
		}
		if poll != nil {
			poll.PostId = p.Id
			if err := tx.CreatePoll(ctx, poll); err != nil {
				return err
			}
		}
		if err := tx.AdjustActorCounts(ctx, author.Id, 0, 0, 1); err != nil {
			return err
		}
		if p.ReplyId != "" {
			if err := tx.AdjustPostCounts(ctx, p.ReplyId, 1, 0); err != nil {
				return err
			}
		}
		if p.IsPureRenote() {
			if err := tx.AdjustPostCounts(ctx, p.RenoteId, 0, 1); err != nil {
				return err
			}
		}
		if author.IsRemote() {
			return tx.AdjustInstanceCounts(ctx, author.Host, 0, 1, 0, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("inserting post: %w", err)
	}
	s.cache.InvalidateActor(ctx, author.Id)
	return nil
}

// NoteInput describes a note authored by a local user.
type NoteInput struct {
	Text       string
	Cw         string
	Visibility domain.Visibility
	Reply      *domain.Post
	Quote      *domain.Post
	Mentions   []*domain.Actor
	// VisibleTo lists the recipients of a specified note.
	VisibleTo []*domain.Actor
	Poll      *domain.Poll
}

// PublishNote stores a local note and federates its Create.
func (s *Service) PublishNote(ctx context.Context, author *domain.Actor, in NoteInput) (*domain.Post, error) {
	if !author.IsLocal() {
		return nil, domain.ErrNotLocal
	}
	if in.Visibility == "" {
		in.Visibility = domain.VisibilityPublic
	}
	if in.Reply != nil {
		blocked, err := s.db.IsBlocking(ctx, in.Reply.UserId, author.Id)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, domain.ErrBlocked
		}
	}

	p := &domain.Post{Text: in.Text, Cw: in.Cw, Visibility: in.Visibility}
	if in.Reply != nil {
		p.ReplyId = in.Reply.Id
	}
	if in.Quote != nil {
		p.QuoteId = in.Quote.Id
	}
	for _, m := range in.Mentions {
		p.Mentions = append(p.Mentions, m.Id)
	}
	if in.Visibility == domain.VisibilitySpecified {
		p.VisibleUserIds = actorIds(append(append([]*domain.Actor{}, in.VisibleTo...), in.Mentions...))
	}
	if err := s.InsertPost(ctx, author, p, in.Poll); err != nil {
		return nil, err
	}

	refs := activitypub.NoteRefs{Poll: in.Poll}
	targets := append(append([]*domain.Actor{}, in.Mentions...), in.VisibleTo...)
	if in.Reply != nil {
		refs.ReplyUri = s.renderer.PostUriOf(in.Reply)
		if a := s.authorOf(ctx, in.Reply); a != nil {
			targets = append(targets, a)
		}
	}
	if in.Quote != nil {
		refs.QuoteUri = s.renderer.PostUriOf(in.Quote)
		if a := s.authorOf(ctx, in.Quote); a != nil {
			targets = append(targets, a)
		}
	}
	for _, m := range in.Mentions {
		refs.MentionUris = append(refs.MentionUris, s.renderer.ActorUriOf(m))
	}
	for _, r := range in.VisibleTo {
		refs.RecipientUris = append(refs.RecipientUris, s.renderer.ActorUriOf(r))
	}

	create := s.renderer.RenderCreate(s.renderer.RenderNote(p, author, refs), p)
	if _, err := s.fanout.Fanout(ctx, author, create, p.Visibility, targets); err != nil {
		s.log.Error("queueing note delivery failed", "post", p.Id, "err", err)
	}
	return p, nil
}

// Renote boosts target on behalf of the local user.
func (s *Service) Renote(ctx context.Context, user *domain.Actor, target *domain.Post) (*domain.Post, error) {
	if !user.IsLocal() {
		return nil, domain.ErrNotLocal
	}
	if target.IsDeleted {
		return nil, domain.ErrNotFound
	}
	if target.UserId != user.Id && (target.Visibility == domain.VisibilityFollowers || target.Visibility == domain.VisibilitySpecified) {
		return nil, domain.ErrNotVisible
	}
	visible, err := s.PostVisibleTo(ctx, target, user)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, domain.ErrNotVisible
	}

	vis := domain.VisibilityPublic
	if target.Visibility == domain.VisibilityHome {
		vis = domain.VisibilityHome
	}
	p := &domain.Post{RenoteId: target.Id, Visibility: vis}
	if err := s.InsertPost(ctx, user, p, nil); err != nil {
		return nil, err
	}

	var targets []*domain.Actor
	if a := s.authorOf(ctx, target); a != nil {
		targets = append(targets, a)
	}
	announce := s.renderer.RenderAnnounce(p, user, s.renderer.PostUriOf(target), nil)
	if _, err := s.fanout.Fanout(ctx, user, announce, vis, targets); err != nil {
		s.log.Error("queueing renote delivery failed", "post", p.Id, "err", err)
	}
	return p, nil
}

// Unrenote deletes every pure renote of target by user.
func (s *Service) Unrenote(ctx context.Context, user *domain.Actor, target *domain.Post) error {
	renotes, err := s.db.ReadRenotesBy(ctx, target.Id, user.Id)
	if err != nil {
		return err
	}
	n := 0
	for _, r := range renotes {
		if !r.IsPureRenote() {
			continue
		}
		if err := s.DeletePost(ctx, r); err != nil {
			return err
		}
		n++
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeletePost tombstones p and reverses the counters InsertPost moved.
// Deleting an already deleted post is a no-op. Local posts federate a
// Delete, or an Undo(Announce) for a pure renote.
func (s *Service) DeletePost(ctx context.Context, p *domain.Post) error {
	deleted := false
	err := s.db.WithTx(ctx, func(tx *db.Queries) error {
		ok, err := tx.TombstonePost(ctx, p.Id)
		if err != nil || !ok {
			return err
		}
		deleted = true
		if err := tx.AdjustActorCounts(ctx, p.UserId, 0, 0, -1); err != nil {
			return err
		}
		if p.ReplyId != "" {
			if err := tx.AdjustPostCounts(ctx, p.ReplyId, -1, 0); err != nil {
				return err
			}
		}
		if p.IsPureRenote() {
			if err := tx.AdjustPostCounts(ctx, p.RenoteId, 0, -1); err != nil {
				return err
			}
		}
		if p.UserHost != "" {
			return tx.AdjustInstanceCounts(ctx, p.UserHost, 0, -1, 0, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting post %s: %w", p.Id, err)
	}
	if !deleted {
		return nil
	}
	s.cache.InvalidateActor(ctx, p.UserId)
	if !p.IsLocal() {
		return nil
	}

	author, err := s.Actor(ctx, p.UserId)
	if err != nil {
		return err
	}
	targets, err := s.db.ReadActorsByIds(ctx, append(append([]string{}, p.VisibleUserIds...), p.Mentions...))
	if err != nil {
		return err
	}
	var activity any
	if p.IsPureRenote() {
		target, err := s.db.ReadPostById(ctx, p.RenoteId)
		if err != nil {
			return err
		}
		if target == nil {
			return nil
		}
		actorUri := s.renderer.ActorUriOf(author)
		activity = s.renderer.RenderUndo(s.renderer.RenderAnnounce(p, author, s.renderer.PostUriOf(target), nil), actorUri)
		if a := s.authorOf(ctx, target); a != nil {
			targets = append(targets, a)
		}
	} else {
		activity = s.renderer.RenderDelete(s.renderer.PostUriOf(p), "Note", s.renderer.ActorUriOf(author))
	}
	if _, err := s.fanout.Fanout(ctx, author, activity, p.Visibility, targets); err != nil {
		s.log.Error("queueing delete delivery failed", "post", p.Id, "err", err)
	}
	return nil
}

// PostVisibleTo reports whether viewer may see p. A nil viewer is an
// anonymous one.
func (s *Service) PostVisibleTo(ctx context.Context, p *domain.Post, viewer *domain.Actor) (bool, error) {
	if viewer == nil {
		return p.Visibility == domain.VisibilityPublic || p.Visibility == domain.VisibilityHome, nil
	}
	if viewer.Id == p.UserId {
		return true, nil
	}
	blocked, err := s.db.IsBlocking(ctx, p.UserId, viewer.Id)
	if err != nil || blocked {
		return false, err
	}
	switch p.Visibility {
	case domain.VisibilityPublic, domain.VisibilityHome:
		return true, nil
	case domain.VisibilityFollowers:
		if contains(p.Mentions, viewer.Id) {
			return true, nil
		}
		return s.cache.IsFollowing(ctx, viewer.Id, p.UserId)
	case domain.VisibilitySpecified:
		return contains(p.VisibleUserIds, viewer.Id) || contains(p.Mentions, viewer.Id), nil
	}
	return false, nil
}

// authorOf returns the author of p, or nil when it cannot be loaded.
func (s *Service) authorOf(ctx context.Context, p *domain.Post) *domain.Actor {
	a, err := s.cache.GetActor(ctx, p.UserId)
	if err != nil {
		s.log.Warn("loading post author failed", "post", p.Id, "err", err)
		return nil
	}
	return a
}

// PostByUri returns the live post stored under uri, or domain.ErrNotFound.
func (s *Service) PostByUri(ctx context.Context, uri string) (*domain.Post, error) {
	if id, ok := s.renderer.LocalId("notes", uri); ok {
		return s.livePost(s.db.ReadPostById(ctx, id))
	}
	return s.livePost(s.db.ReadPostByUri(ctx, uri))
}

func (s *Service) livePost(p *domain.Post, err error) (*domain.Post, error) {
	if err != nil {
		return nil, err
	}
	if p == nil || p.IsDeleted {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func actorIds(actors []*domain.Actor) []string {
	seen := make(map[string]bool, len(actors))
	var ids []string
	for _, a := range actors {
		if a == nil || seen[a.Id] {
			continue
		}
		seen[a.Id] = true
		ids = append(ids, a.Id)
	}
	return ids
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

var errNotAuthor = errors.New("post does not belong to the actor")

// RenderPost renders a local post as served at its uri.
func (s *Service) RenderPost(ctx context.Context, p *domain.Post) (*activitypub.Object, error) {
	author, err := s.cache.GetActor(ctx, p.UserId)
	if err != nil {
		return nil, err
	}
	if author == nil {
		return nil, fmt.Errorf("author of %s: %w", p.Id, domain.ErrNotFound)
	}

	var refs activitypub.NoteRefs
	if refs.ReplyUri, err = s.postUri(ctx, p.ReplyId); err != nil {
		return nil, err
	}
	if refs.QuoteUri, err = s.postUri(ctx, p.QuoteId); err != nil {
		return nil, err
	}
	mentioned, err := s.db.ReadActorsByIds(ctx, p.Mentions)
	if err != nil {
		return nil, err
	}
	for _, m := range mentioned {
		refs.MentionUris = append(refs.MentionUris, s.renderer.ActorUriOf(m))
	}
	if p.Visibility == domain.VisibilitySpecified {
		recipients, err := s.db.ReadActorsByIds(ctx, p.VisibleUserIds)
		if err != nil {
			return nil, err
		}
		for _, r := range recipients {
			refs.RecipientUris = append(refs.RecipientUris, s.renderer.ActorUriOf(r))
		}
	}
	if p.HasPoll {
		if refs.Poll, err = s.db.ReadPoll(ctx, p.Id); err != nil {
			return nil, err
		}
	}
	note := s.renderer.RenderNote(p, author, refs)
	note.Context = activitypub.Context
	return note, nil
}

func (s *Service) postUri(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	p, err := s.db.ReadPostById(ctx, id)
	if err != nil || p == nil {
		return "", err
	}
	return s.renderer.PostUriOf(p), nil
}
