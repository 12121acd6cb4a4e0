package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/notify"
)

// DefaultReaction is stored for a Like that names no reaction.
const DefaultReaction = "❤"

type ReactionEvent struct {
	PostId   string `json:"postId"`
	UserId   string `json:"userId"`
	Reaction string `json:"reaction"`
}

// NormalizeReaction trims a reaction and falls back to DefaultReaction.
// Remote custom emoji ":name:" are qualified with their host.
func NormalizeReaction(reaction, host string) string {
	r := strings.TrimSpace(reaction)
	if r == "" {
		return DefaultReaction
	}
	if host != "" && len(r) > 2 && strings.HasPrefix(r, ":") && strings.HasSuffix(r, ":") && !strings.Contains(r, "@") {
		return r[:len(r)-1] + "@" + host + ":"
	}
	return r
}

// React records user's reaction on post. emoji is rendered into the Like
// when a local user reacts with a custom emoji.
func (s *Service) React(ctx context.Context, user *domain.Actor, post *domain.Post, reaction string, emoji *domain.Emoji) error {
	blocked, err := s.db.IsBlocking(ctx, post.UserId, user.Id)
	if err != nil {
		return err
	}
	if blocked {
		return domain.ErrBlocked
	}

	r := &domain.Reaction{
		Id:        domain.NewID(),
		UserId:    user.Id,
		PostId:    post.Id,
		Reaction:  NormalizeReaction(reaction, user.Host),
		CreatedAt: time.Now().UTC(),
	}
	err = s.db.WithTx(ctx, func(tx *db.Queries) error {
		if err := tx.CreateReaction(ctx, r); err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				return domain.ErrAlreadyReacted
			}
			return err
		}
		return tx.AdjustReaction(ctx, post.Id, r.Reaction, 1)
	})
	if err != nil {
		return err
	}

	author, err := s.cache.GetActor(ctx, post.UserId)
	if err != nil {
		return fmt.Errorf("loading author of %s: %w", post.Id, err)
	}
	if author == nil {
		return nil
	}
	if author.Id != user.Id {
		s.notify(ctx, author, notify.EventReaction, ReactionEvent{post.Id, user.Id, r.Reaction})
	}
	if user.IsLocal() && author.IsRemote() {
		like := s.renderer.RenderLike(r, s.renderer.ActorUriOf(user), s.renderer.PostUriOf(post), emoji)
		s.fanoutReaction(ctx, user, author, post, like)
	}
	return nil
}

// Unreact removes user's reaction from post.
func (s *Service) Unreact(ctx context.Context, user *domain.Actor, post *domain.Post) error {
	r, err := s.db.ReadReaction(ctx, user.Id, post.Id)
	if err != nil {
		return err
	}
	if r == nil {
		return domain.ErrNotReacted
	}
	err = s.db.WithTx(ctx, func(tx *db.Queries) error {
		deleted, err := tx.DeleteReaction(ctx, r.Id)
		if err != nil {
			return err
		}
		if !deleted {
			return domain.ErrNotReacted
		}
		return tx.AdjustReaction(ctx, post.Id, r.Reaction, -1)
	})
	if err != nil {
		return err
	}

	if !user.IsLocal() {
		return nil
	}
	author, err := s.cache.GetActor(ctx, post.UserId)
	if err != nil || author == nil || author.IsLocal() {
		return err
	}
	actorUri := s.renderer.ActorUriOf(user)
	like := s.renderer.RenderLike(r, actorUri, s.renderer.PostUriOf(post), nil)
	s.fanoutReaction(ctx, user, author, post, s.renderer.RenderUndo(like, actorUri))
	return nil
}

// fanoutReaction sends to the author and, for posts that are not direct,
// to the reacting user's followers.
func (s *Service) fanoutReaction(ctx context.Context, user, author *domain.Actor, post *domain.Post, activity any) {
	vis := domain.VisibilityFollowers
	if post.Visibility == domain.VisibilitySpecified {
		vis = domain.VisibilitySpecified
	}
	if _, err := s.fanout.Fanout(ctx, user, activity, vis, []*domain.Actor{author}); err != nil {
		s.log.Error("queueing reaction delivery failed", "post", post.Id, "err", err)
	}
}
