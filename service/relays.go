package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/fedengine/domain"
)

// AddRelay subscribes the instance actor to the relay behind inbox.
func (s *Service) AddRelay(ctx context.Context, inbox string) (*domain.Relay, error) {
	r := &domain.Relay{Id: domain.NewID(), Inbox: inbox, Status: domain.RelayRequesting}
	if err := s.db.CreateRelay(ctx, r); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return nil, fmt.Errorf("relay %s: %w", inbox, err)
		}
		return nil, err
	}
	actor, err := s.InstanceActor(ctx)
	if err != nil {
		return nil, err
	}
	follow := s.renderer.RenderRelayFollow(r.Id, s.renderer.ActorUriOf(actor))
	if _, err := s.fanout.DeliverTo(ctx, actor, follow, inbox); err != nil {
		return nil, err
	}
	return r, nil
}

// SetRelayStatus records the relay's answer to our Follow.
func (s *Service) SetRelayStatus(ctx context.Context, id string, status domain.RelayStatus) error {
	ok, err := s.db.UpdateRelayStatus(ctx, id, status)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("relay %s: %w", id, domain.ErrNotFound)
	}
	s.log.Info("relay status changed", "relay", id, "status", status)
	return nil
}

// RemoveRelay unsubscribes from the relay and forgets it.
func (s *Service) RemoveRelay(ctx context.Context, id string) error {
	r, err := s.db.ReadRelay(ctx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("relay %s: %w", id, domain.ErrNotFound)
	}
	actor, err := s.InstanceActor(ctx)
	if err != nil {
		return err
	}
	actorUri := s.renderer.ActorUriOf(actor)
	undo := s.renderer.RenderUndo(s.renderer.RenderRelayFollow(r.Id, actorUri), actorUri)
	if _, err := s.fanout.DeliverTo(ctx, actor, undo, r.Inbox); err != nil {
		s.log.Warn("queueing relay undo failed", "relay", id, "err", err)
	}
	return s.db.DeleteRelay(ctx, id)
}
