package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

const postColumns = `id, user_id, user_host, reply_id, renote_id, quote_id, thread_id, text, cw, visibility,
	visible_user_ids, mentions, tags, emojis, uri, url, has_poll, replies_count, renote_count, reactions,
	is_deleted, created_at`

const (
	sqlInsertPost = `INSERT INTO posts(` + postColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPostById        = `SELECT ` + postColumns + ` FROM posts WHERE id = ?`
	sqlSelectPostByUri       = `SELECT ` + postColumns + ` FROM posts WHERE uri = ?`
	sqlSelectPostByUriUser   = `SELECT ` + postColumns + ` FROM posts WHERE uri = ? AND user_id = ?`
	sqlSelectPostIdsByUser   = `SELECT id FROM posts WHERE user_id = ? AND is_deleted = 0`
	sqlSelectRenotesOf       = `SELECT ` + postColumns + ` FROM posts WHERE renote_id = ? AND user_id = ? AND is_deleted = 0`
	sqlTombstonePost         = `UPDATE posts SET is_deleted = 1, text = '', cw = '' WHERE id = ? AND is_deleted = 0`
	sqlAdjustPostCounts      = `UPDATE posts SET replies_count = max(0, replies_count + ?), renote_count = max(0, renote_count + ?) WHERE id = ?`
	sqlSelectPostReactions   = `SELECT reactions FROM posts WHERE id = ?`
	sqlUpdatePostReactions   = `UPDATE posts SET reactions = ? WHERE id = ?`
	sqlCountLocalPosts       = `SELECT count(*) FROM posts WHERE user_host IS NULL AND is_deleted = 0`
	sqlInsertPoll            = `INSERT INTO polls(post_id, choices, votes, multiple, expires_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectPoll            = `SELECT post_id, choices, votes, multiple, expires_at FROM polls WHERE post_id = ?`
	sqlUpdatePollVotes       = `UPDATE polls SET votes = ? WHERE post_id = ?`
	sqlInsertPollVote        = `INSERT INTO poll_votes(id, post_id, user_id, choice, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlCountPollVotesForUser = `SELECT count(*) FROM poll_votes WHERE post_id = ? AND user_id = ?`
	sqlUpsertEmoji           = `INSERT INTO emojis(id, name, host, url, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name, host) DO UPDATE SET url = excluded.url, updated_at = excluded.updated_at`
)

func scanPost(row rowScanner) (*domain.Post, error) {
	var (
		p                             domain.Post
		userHost, replyId, renoteId   sql.NullString
		quoteId, uri                  sql.NullString
		visibility, visible, mentions string
		tags, emojis, reactions       string
		createdAt                     int64
	)
	err := row.Scan(&p.Id, &p.UserId, &userHost, &replyId, &renoteId, &quoteId, &p.ThreadId, &p.Text, &p.Cw,
		&visibility, &visible, &mentions, &tags, &emojis, &uri, &p.Url, &p.HasPoll, &p.RepliesCount,
		&p.RenoteCount, &reactions, &p.IsDeleted, &createdAt)
	if err != nil {
		return nil, err
	}
	p.UserHost = userHost.String
	p.ReplyId = replyId.String
	p.RenoteId = renoteId.String
	p.QuoteId = quoteId.String
	p.Uri = uri.String
	p.Visibility = domain.Visibility(visibility)
	p.VisibleUserIds = strList(visible)
	p.Mentions = strList(mentions)
	p.Tags = strList(tags)
	p.Emojis = strList(emojis)
	p.Reactions = map[string]int{}
	_ = jsonUnmarshal(reactions, &p.Reactions)
	p.CreatedAt = fromMillis(createdAt)
	return &p, nil
}

func (q *Queries) readPost(ctx context.Context, query string, args ...any) (*domain.Post, error) {
	p, err := scanPost(q.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// CreatePost inserts the row only; counters and invariants are the caller's job.
func (q *Queries) CreatePost(ctx context.Context, p *domain.Post) error {
	if p.Reactions == nil {
		p.Reactions = map[string]int{}
	}
	_, err := q.exec(ctx, sqlInsertPost,
		p.Id, p.UserId, nullString(p.UserHost), nullString(p.ReplyId), nullString(p.RenoteId),
		nullString(p.QuoteId), p.ThreadId, p.Text, p.Cw, string(p.Visibility), jsonText(p.VisibleUserIds),
		jsonText(p.Mentions), jsonText(p.Tags), jsonText(p.Emojis), nullString(p.Uri), p.Url, p.HasPoll,
		p.RepliesCount, p.RenoteCount, jsonText(p.Reactions), p.IsDeleted, millis(p.CreatedAt))
	return err
}

func (q *Queries) ReadPostById(ctx context.Context, id string) (*domain.Post, error) {
	return q.readPost(ctx, sqlSelectPostById, id)
}

func (q *Queries) ReadPostByUri(ctx context.Context, uri string) (*domain.Post, error) {
	return q.readPost(ctx, sqlSelectPostByUri, uri)
}

func (q *Queries) ReadPostByUriAndUser(ctx context.Context, uri, userId string) (*domain.Post, error) {
	return q.readPost(ctx, sqlSelectPostByUriUser, uri, userId)
}

// ReadRenotesBy lists userId's live renotes of postId.
func (q *Queries) ReadRenotesBy(ctx context.Context, postId, userId string) ([]*domain.Post, error) {
	rows, err := q.q.QueryContext(ctx, sqlSelectRenotesOf, postId, userId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (q *Queries) ReadPostIdsByUser(ctx context.Context, userId string) ([]string, error) {
	return q.readIds(ctx, sqlSelectPostIdsByUser, userId)
}

// TombstonePost reports false when the post was already deleted.
func (q *Queries) TombstonePost(ctx context.Context, id string) (bool, error) {
	n, err := q.exec(ctx, sqlTombstonePost, id)
	return n > 0, err
}

func (q *Queries) AdjustPostCounts(ctx context.Context, id string, replies, renotes int) error {
	_, err := q.exec(ctx, sqlAdjustPostCounts, replies, renotes, id)
	return err
}

// AdjustReaction adds delta to one reaction tally. It reads and writes the
// JSON map, so it must run inside WithTx to avoid lost updates.
func (q *Queries) AdjustReaction(ctx context.Context, postId, reaction string, delta int) error {
	var raw string
	if err := q.q.QueryRowContext(ctx, sqlSelectPostReactions, postId).Scan(&raw); err != nil {
		return err
	}
	counts := map[string]int{}
	_ = jsonUnmarshal(raw, &counts)
	counts[reaction] += delta
	if counts[reaction] <= 0 {
		delete(counts, reaction)
	}
	_, err := q.exec(ctx, sqlUpdatePostReactions, jsonText(counts), postId)
	return err
}

func (q *Queries) CountLocalPosts(ctx context.Context) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, sqlCountLocalPosts).Scan(&n)
	return n, err
}

func (q *Queries) CreatePoll(ctx context.Context, p *domain.Poll) error {
	if len(p.Votes) != len(p.Choices) {
		p.Votes = make([]int, len(p.Choices))
	}
	_, err := q.exec(ctx, sqlInsertPoll, p.PostId, jsonText(p.Choices), jsonText(p.Votes), p.Multiple, nullMillis(p.ExpiresAt))
	return err
}

func (q *Queries) ReadPoll(ctx context.Context, postId string) (*domain.Poll, error) {
	var (
		p              domain.Poll
		choices, votes string
		expiresAt      sql.NullInt64
	)
	err := q.q.QueryRowContext(ctx, sqlSelectPoll, postId).Scan(&p.PostId, &choices, &votes, &p.Multiple, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Choices = strList(choices)
	_ = jsonUnmarshal(votes, &p.Votes)
	p.ExpiresAt = fromNullMillis(expiresAt)
	return &p, nil
}

func (q *Queries) UpdatePollVotes(ctx context.Context, postId string, votes []int) error {
	_, err := q.exec(ctx, sqlUpdatePollVotes, jsonText(votes), postId)
	return err
}

func (q *Queries) CreatePollVote(ctx context.Context, v *domain.PollVote) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	_, err := q.exec(ctx, sqlInsertPollVote, v.Id, v.PostId, v.UserId, v.Choice, millis(v.CreatedAt))
	return err
}

func (q *Queries) CountPollVotesForUser(ctx context.Context, postId, userId string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, sqlCountPollVotesForUser, postId, userId).Scan(&n)
	return n, err
}

func (q *Queries) UpsertEmoji(ctx context.Context, e *domain.Emoji) error {
	if e.Id == "" {
		e.Id = domain.NewID()
	}
	e.UpdatedAt = time.Now()
	_, err := q.exec(ctx, sqlUpsertEmoji, e.Id, e.Name, e.Host, e.Url, millis(e.UpdatedAt))
	return err
}

func (q *Queries) readIds(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
