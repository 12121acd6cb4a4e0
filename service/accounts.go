package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/util"
)

// InstanceActorName is the local account that signs fetches and relay
// subscriptions on behalf of the server.
const InstanceActorName = "instance.actor"

var localUsername = regexp.MustCompile(`^[a-zA-Z0-9_]{1,20}$`)

var ErrInvalidUsername = errors.New("username must be 1-20 letters, digits or underscores")

// CreateLocalActor registers a local user with a fresh key pair.
func (s *Service) CreateLocalActor(ctx context.Context, username string) (*domain.Actor, error) {
	if !localUsername.MatchString(username) {
		return nil, ErrInvalidUsername
	}
	return s.createLocal(ctx, username)
}

func (s *Service) createLocal(ctx context.Context, username string) (*domain.Actor, error) {
	keys, err := util.GeneratePemKeypair(s.keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating keys: %w", err)
	}
	now := time.Now().UTC()
	a := &domain.Actor{
		Id:            domain.NewID(),
		Username:      username,
		PublicKeyPem:  keys.Public,
		PrivateKeyPem: keys.Private,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.CreateActor(ctx, a); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return nil, fmt.Errorf("username %s is taken: %w", username, err)
		}
		return nil, err
	}
	s.log.Info("local actor created", "username", username, "id", a.Id)
	return a, nil
}

// LocalActor returns the local user called username, key included.
func (s *Service) LocalActor(ctx context.Context, username string) (*domain.Actor, error) {
	a, err := s.db.ReadLocalActorByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("user %s: %w", username, domain.ErrNotFound)
	}
	return a, nil
}

// InstanceActor returns the server's own actor, creating it on first use.
func (s *Service) InstanceActor(ctx context.Context) (*domain.Actor, error) {
	s.instanceMu.Lock()
	defer s.instanceMu.Unlock()
	if s.instanceActor != nil {
		return s.instanceActor, nil
	}

	a, err := s.db.ReadLocalActorByUsername(ctx, InstanceActorName)
	if err != nil {
		return nil, err
	}
	if a == nil {
		a, err = s.createLocal(ctx, InstanceActorName)
		if errors.Is(err, domain.ErrDuplicate) {
			a, err = s.db.ReadLocalActorByUsername(ctx, InstanceActorName)
		}
		if err != nil {
			return nil, err
		}
	}
	s.instanceActor = a
	return a, nil
}

// FetchKey makes the service the signing key source of the HTTP client.
func (s *Service) FetchKey(ctx context.Context) (string, *rsa.PrivateKey, error) {
	a, err := s.InstanceActor(ctx)
	if err != nil {
		return "", nil, err
	}
	key, err := activitypub.ParsePrivateKey(a.PrivateKeyPem)
	if err != nil {
		return "", nil, err
	}
	return s.renderer.KeyId(a.Id), key, nil
}

// MarkDeleted flags a remote actor as deleted and queues the cleanup of
// everything it left behind.
func (s *Service) MarkDeleted(ctx context.Context, a *domain.Actor) error {
	if a.IsDeleted {
		return nil
	}
	if err := s.db.UpdateActorFlags(ctx, a.Id, a.IsSuspended, true); err != nil {
		return err
	}
	a.IsDeleted = true
	s.cache.ActorSuspended(ctx, a)
	return s.QueueDeleteAccount(ctx, a)
}
