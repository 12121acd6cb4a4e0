package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/queue"
)

const (
	RelationFollow   = "follow"
	RelationUnfollow = "unfollow"
	RelationBlock    = "block"
	RelationUnblock  = "unblock"
)

// RelationshipJob is the payload of the relationship queue class.
type RelationshipJob struct {
	Kind         string `json:"kind"`
	FromId       string `json:"fromId"`
	ToId         string `json:"toId"`
	Silent       bool   `json:"silent,omitempty"`
	SkipCounters bool   `json:"skipCounters,omitempty"`
}

// QueueRelationship schedules a follow, unfollow, block or unblock to run
// after delay.
func (s *Service) QueueRelationship(ctx context.Context, j RelationshipJob, delay time.Duration) error {
	name := j.Kind + ":" + j.FromId + ":" + j.ToId
	_, err := s.queue.Enqueue(ctx, queue.ClassRelationship, name, j, queue.Options{Delay: delay})
	return err
}

func (s *Service) HandleRelationshipJob(ctx context.Context, job *domain.Job) error {
	var j RelationshipJob
	if err := json.Unmarshal(job.Payload, &j); err != nil {
		return domain.Permanent(fmt.Errorf("decoding relationship job: %w", err))
	}
	from, err := s.Actor(ctx, j.FromId)
	if err != nil {
		return missingIsPermanent(err)
	}
	to, err := s.Actor(ctx, j.ToId)
	if err != nil {
		return missingIsPermanent(err)
	}

	switch j.Kind {
	case RelationFollow:
		err = s.Follow(ctx, from, to, "")
	case RelationUnfollow:
		err = s.Unfollow(ctx, from, to, UnfollowOptions{Silent: j.Silent, SkipCounters: j.SkipCounters})
	case RelationBlock:
		err = s.Block(ctx, from, to)
	case RelationUnblock:
		err = s.Unblock(ctx, from, to)
	default:
		return domain.Permanent(fmt.Errorf("unknown relationship kind %q", j.Kind))
	}
	if domain.IsRuleViolation(err) {
		s.log.Debug("relationship job skipped", "kind", j.Kind, "from", from.Id, "to", to.Id, "reason", err)
		return nil
	}
	return err
}

type deleteAccountJob struct {
	ActorId string `json:"actorId"`
}

func (s *Service) QueueDeleteAccount(ctx context.Context, a *domain.Actor) error {
	_, err := s.queue.Enqueue(ctx, queue.ClassDB, "deleteAccount:"+a.Id, deleteAccountJob{ActorId: a.Id}, queue.Options{Unique: true})
	return err
}

// HandleDeleteAccountJob removes what a deleted actor left behind: its
// posts, its relationships in both directions and its reactions. Every
// step keeps the counters of the other party right.
func (s *Service) HandleDeleteAccountJob(ctx context.Context, job *domain.Job) error {
	var j deleteAccountJob
	if err := json.Unmarshal(job.Payload, &j); err != nil {
		return domain.Permanent(fmt.Errorf("decoding deleteAccount job: %w", err))
	}
	a, err := s.Actor(ctx, j.ActorId)
	if err != nil {
		return missingIsPermanent(err)
	}

	postIds, err := s.db.ReadPostIdsByUser(ctx, a.Id)
	if err != nil {
		return err
	}
	for _, id := range postIds {
		p, err := s.db.ReadPostById(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}
		if err := s.DeletePost(ctx, p); err != nil {
			return err
		}
	}

	followees, err := s.db.ReadFollowees(ctx, a.Id)
	if err != nil {
		return err
	}
	for _, f := range followees {
		if err := s.dropFollowing(ctx, f.FollowerId, f.FolloweeId); err != nil {
			return err
		}
	}
	followers, err := s.db.ReadFollowers(ctx, a.Id)
	if err != nil {
		return err
	}
	for _, f := range followers {
		if err := s.dropFollowing(ctx, f.FollowerId, f.FolloweeId); err != nil {
			return err
		}
	}

	reactions, err := s.db.ReadReactionsByUser(ctx, a.Id)
	if err != nil {
		return err
	}
	for _, r := range reactions {
		p, err := s.db.ReadPostById(ctx, r.PostId)
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}
		if err := s.Unreact(ctx, a, p); err != nil && !errors.Is(err, domain.ErrNotReacted) {
			return err
		}
	}

	s.log.Info("account removed", "actor", a.Id, "posts", len(postIds), "followees", len(followees), "followers", len(followers))
	return nil
}

func (s *Service) dropFollowing(ctx context.Context, followerId, followeeId string) error {
	follower, err := s.Actor(ctx, followerId)
	if err != nil {
		return err
	}
	followee, err := s.Actor(ctx, followeeId)
	if err != nil {
		return err
	}
	err = s.Unfollow(ctx, follower, followee, UnfollowOptions{Silent: true})
	if errors.Is(err, domain.ErrNotFollowing) {
		return nil
	}
	return err
}

func missingIsPermanent(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Permanent(err)
	}
	return err
}
