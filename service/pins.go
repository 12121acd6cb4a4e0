package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

// MaxPins bounds the featured collection of an actor.
const MaxPins = 5

var ErrTooManyPins = errors.New("too many pinned posts")

// AddPin features p in user's collection. Only the author can pin a post.
func (s *Service) AddPin(ctx context.Context, user *domain.Actor, p *domain.Post) error {
	if p.UserId != user.Id {
		return domain.Permanent(errNotAuthor)
	}
	if p.IsDeleted {
		return domain.ErrNotFound
	}
	if user.IsLocal() {
		n, err := s.db.CountPins(ctx, user.Id)
		if err != nil {
			return err
		}
		if n >= MaxPins {
			return ErrTooManyPins
		}
	}
	pin := &domain.Pin{Id: domain.NewID(), UserId: user.Id, PostId: p.Id, CreatedAt: time.Now().UTC()}
	if err := s.db.CreatePin(ctx, pin); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return domain.ErrAlreadyPinned
		}
		return fmt.Errorf("creating pin: %w", err)
	}
	if user.IsLocal() && p.Visibility == domain.VisibilityPublic {
		s.fanoutPublic(ctx, user, s.renderer.RenderAdd(user, s.renderer.PostUriOf(p)))
	}
	return nil
}

func (s *Service) RemovePin(ctx context.Context, user *domain.Actor, p *domain.Post) error {
	removed, err := s.db.DeletePin(ctx, user.Id, p.Id)
	if err != nil {
		return err
	}
	if !removed {
		return domain.ErrNotPinned
	}
	if user.IsLocal() && p.Visibility == domain.VisibilityPublic {
		s.fanoutPublic(ctx, user, s.renderer.RenderRemove(user, s.renderer.PostUriOf(p)))
	}
	return nil
}

func (s *Service) fanoutPublic(ctx context.Context, user *domain.Actor, activity any) {
	if _, err := s.fanout.Fanout(ctx, user, activity, domain.VisibilityPublic, nil); err != nil {
		s.log.Error("queueing delivery failed", "actor", user.Id, "err", err)
	}
}
