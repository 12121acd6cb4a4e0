package service

import (
	"context"
	"errors"
	"time"

	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
)

// Vote records voter's choice on the poll attached to p. A local voter on a
// remote poll answers the author with a vote note.
func (s *Service) Vote(ctx context.Context, voter *domain.Actor, p *domain.Post, choice int) error {
	poll, err := s.db.ReadPoll(ctx, p.Id)
	if err != nil {
		return err
	}
	if poll == nil {
		return domain.ErrNotFound
	}
	if poll.IsClosed(time.Now()) {
		return domain.ErrPollClosed
	}
	if choice < 0 || choice >= len(poll.Choices) {
		return domain.ErrInvalidChoice
	}
	if p.UserId == voter.Id {
		return domain.Permanent(errors.New("cannot vote on one's own poll"))
	}

	vote := &domain.PollVote{Id: domain.NewID(), PostId: p.Id, UserId: voter.Id, Choice: choice, CreatedAt: time.Now().UTC()}
	err = s.db.WithTx(ctx, func(tx *db.Queries) error {
		if !poll.Multiple {
			n, err := tx.CountPollVotesForUser(ctx, p.Id, voter.Id)
			if err != nil {
				return err
			}
			if n > 0 {
				return domain.ErrAlreadyVoted
			}
		}
		if err := tx.CreatePollVote(ctx, vote); err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				return domain.ErrAlreadyVoted
			}
			return err
		}
		current, err := tx.ReadPoll(ctx, p.Id)
		if err != nil {
			return err
		}
		votes := make([]int, len(current.Choices))
		copy(votes, current.Votes)
		votes[choice]++
		return tx.UpdatePollVotes(ctx, p.Id, votes)
	})
	if err != nil {
		return err
	}

	if voter.IsLocal() && !p.IsLocal() {
		author := s.authorOf(ctx, p)
		if author == nil {
			return nil
		}
		activity := s.renderer.RenderVote(vote, voter, p, s.renderer.ActorUriOf(author), poll.Choices[choice])
		s.deliverTo(ctx, voter, author, activity)
	}
	return nil
}

// UpdatePollTallies stores the counts a remote Question update carries.
// Counts for unknown choices are ignored.
func (s *Service) UpdatePollTallies(ctx context.Context, p *domain.Post, counts map[string]int) error {
	return s.db.WithTx(ctx, func(tx *db.Queries) error {
		poll, err := tx.ReadPoll(ctx, p.Id)
		if err != nil {
			return err
		}
		if poll == nil {
			return domain.ErrNotFound
		}
		votes := make([]int, len(poll.Choices))
		copy(votes, poll.Votes)
		for name, n := range counts {
			if i := poll.ChoiceIndex(name); i >= 0 {
				votes[i] = n
			}
		}
		return tx.UpdatePollVotes(ctx, p.Id, votes)
	})
}
