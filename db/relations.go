package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

// Followings
const (
	followingColumns = `id, follower_id, followee_id, follower_host, follower_inbox, follower_shared_inbox,
		followee_host, followee_inbox, followee_shared_inbox, created_at`
	sqlInsertFollowing = `INSERT INTO followings(` + followingColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectFollowing = `SELECT ` + followingColumns + ` FROM followings WHERE follower_id = ? AND followee_id = ?`
	sqlDeleteFollowing = `DELETE FROM followings WHERE follower_id = ? AND followee_id = ?`
	sqlSelectFollowers = `SELECT ` + followingColumns + ` FROM followings WHERE followee_id = ? ORDER BY created_at`
	sqlSelectFollowees = `SELECT ` + followingColumns + ` FROM followings WHERE follower_id = ? ORDER BY created_at`
	sqlCountFollowers  = `SELECT count(*) FROM followings WHERE followee_id = ?`
	sqlCountFollowing  = `SELECT count(*) FROM followings WHERE follower_id = ?`
	sqlCountAll        = `SELECT count(*) FROM followings`
	sqlSelectInboxes   = `SELECT DISTINCT follower_inbox, follower_shared_inbox FROM followings
		WHERE followee_id = ? AND follower_host IS NOT NULL`
)

// Follow requests
const (
	sqlInsertFollowRequest = `INSERT INTO follow_requests(id, follower_id, followee_id, request_id, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectFollowRequest = `SELECT id, follower_id, followee_id, request_id, created_at FROM follow_requests WHERE follower_id = ? AND followee_id = ?`
	sqlDeleteFollowRequest = `DELETE FROM follow_requests WHERE follower_id = ? AND followee_id = ?`
)

// Blockings, mutings, lists
const (
	sqlInsertBlocking      = `INSERT INTO blockings(id, blocker_id, blockee_id, created_at) VALUES (?, ?, ?, ?)`
	sqlSelectBlocking      = `SELECT id, blocker_id, blockee_id, created_at FROM blockings WHERE blocker_id = ? AND blockee_id = ?`
	sqlDeleteBlocking      = `DELETE FROM blockings WHERE blocker_id = ? AND blockee_id = ?`
	sqlSelectBlockerIds    = `SELECT blocker_id FROM blockings WHERE blockee_id = ?`
	sqlInsertMuting        = `INSERT INTO mutings(id, muter_id, mutee_id, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectMuting        = `SELECT id, muter_id, mutee_id, expires_at, created_at FROM mutings WHERE muter_id = ? AND mutee_id = ?`
	sqlSelectMutingsOf     = `SELECT id, muter_id, mutee_id, expires_at, created_at FROM mutings WHERE mutee_id = ?`
	sqlInsertUserList      = `INSERT INTO user_lists(id, user_id, name, created_at) VALUES (?, ?, ?, ?)`
	sqlInsertMembership    = `INSERT INTO list_memberships(id, list_id, user_id, created_at) VALUES (?, ?, ?, ?)`
	sqlSelectMemberships   = `SELECT id, list_id, user_id, created_at FROM list_memberships WHERE user_id = ?`
	sqlDeleteOwnMembership = `DELETE FROM list_memberships WHERE user_id = ? AND list_id IN (SELECT id FROM user_lists WHERE user_id = ?)`
)

// Reactions, pins, reports
const (
	sqlInsertReaction    = `INSERT INTO reactions(id, user_id, post_id, reaction, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectReaction    = `SELECT id, user_id, post_id, reaction, created_at FROM reactions WHERE user_id = ? AND post_id = ?`
	sqlDeleteReaction    = `DELETE FROM reactions WHERE id = ?`
	sqlSelectReactionsBy = `SELECT id, user_id, post_id, reaction, created_at FROM reactions WHERE user_id = ?`
	sqlInsertPin         = `INSERT INTO pins(id, user_id, post_id, created_at) VALUES (?, ?, ?, ?)`
	sqlDeletePin         = `DELETE FROM pins WHERE user_id = ? AND post_id = ?`
	sqlCountPins         = `SELECT count(*) FROM pins WHERE user_id = ?`
	sqlSelectPinnedIds   = `SELECT post_id FROM pins WHERE user_id = ? ORDER BY created_at DESC`
	sqlInsertReport      = `INSERT INTO abuse_reports(id, target_user_id, reporter_id, comment, post_ids, uri, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlCountReportsFor   = `SELECT count(*) FROM abuse_reports WHERE target_user_id = ?`
)

func scanFollowing(row rowScanner) (*domain.Following, error) {
	var (
		f                          domain.Following
		followerHost, followeeHost sql.NullString
		createdAt                  int64
	)
	err := row.Scan(&f.Id, &f.FollowerId, &f.FolloweeId, &followerHost, &f.FollowerInbox, &f.FollowerSharedInbox,
		&followeeHost, &f.FolloweeInbox, &f.FolloweeSharedInbox, &createdAt)
	if err != nil {
		return nil, err
	}
	f.FollowerHost = followerHost.String
	f.FolloweeHost = followeeHost.String
	f.CreatedAt = fromMillis(createdAt)
	return &f, nil
}

func (q *Queries) CreateFollowing(ctx context.Context, f *domain.Following) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := q.exec(ctx, sqlInsertFollowing, f.Id, f.FollowerId, f.FolloweeId, nullString(f.FollowerHost),
		f.FollowerInbox, f.FollowerSharedInbox, nullString(f.FolloweeHost), f.FolloweeInbox,
		f.FolloweeSharedInbox, millis(f.CreatedAt))
	return err
}

func (q *Queries) ReadFollowing(ctx context.Context, followerId, followeeId string) (*domain.Following, error) {
	f, err := scanFollowing(q.q.QueryRowContext(ctx, sqlSelectFollowing, followerId, followeeId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

func (q *Queries) IsFollowing(ctx context.Context, followerId, followeeId string) (bool, error) {
	f, err := q.ReadFollowing(ctx, followerId, followeeId)
	return f != nil, err
}

// DeleteFollowing reports whether a row was removed.
func (q *Queries) DeleteFollowing(ctx context.Context, followerId, followeeId string) (bool, error) {
	n, err := q.exec(ctx, sqlDeleteFollowing, followerId, followeeId)
	return n > 0, err
}

func (q *Queries) readFollowings(ctx context.Context, query string, arg string) ([]*domain.Following, error) {
	rows, err := q.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Following
	for rows.Next() {
		f, err := scanFollowing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ReadFollowers lists every relationship whose followee is id.
func (q *Queries) ReadFollowers(ctx context.Context, followeeId string) ([]*domain.Following, error) {
	return q.readFollowings(ctx, sqlSelectFollowers, followeeId)
}

// ReadFollowees lists every relationship whose follower is id.
func (q *Queries) ReadFollowees(ctx context.Context, followerId string) ([]*domain.Following, error) {
	return q.readFollowings(ctx, sqlSelectFollowees, followerId)
}

func (q *Queries) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (q *Queries) CountFollowers(ctx context.Context, followeeId string) (int, error) {
	return q.count(ctx, sqlCountFollowers, followeeId)
}

func (q *Queries) CountFollowing(ctx context.Context, followerId string) (int, error) {
	return q.count(ctx, sqlCountFollowing, followerId)
}

// CountFollowEdges counts every relationship in the store.
func (q *Queries) CountFollowEdges(ctx context.Context) (int, error) {
	return q.count(ctx, sqlCountAll)
}

// FollowerInbox is one remote follower endpoint pair.
type FollowerInbox struct {
	Inbox       string
	SharedInbox string
}

// ReadRemoteFollowerInboxes returns the distinct endpoints of id's remote followers.
func (q *Queries) ReadRemoteFollowerInboxes(ctx context.Context, followeeId string) ([]FollowerInbox, error) {
	rows, err := q.q.QueryContext(ctx, sqlSelectInboxes, followeeId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FollowerInbox
	for rows.Next() {
		var fi FollowerInbox
		if err := rows.Scan(&fi.Inbox, &fi.SharedInbox); err != nil {
			return nil, err
		}
		out = append(out, fi)
	}
	return out, rows.Err()
}

func (q *Queries) CreateFollowRequest(ctx context.Context, r *domain.FollowRequest) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := q.exec(ctx, sqlInsertFollowRequest, r.Id, r.FollowerId, r.FolloweeId, r.RequestId, millis(r.CreatedAt))
	return err
}

func (q *Queries) ReadFollowRequest(ctx context.Context, followerId, followeeId string) (*domain.FollowRequest, error) {
	var (
		r         domain.FollowRequest
		createdAt int64
	)
	err := q.q.QueryRowContext(ctx, sqlSelectFollowRequest, followerId, followeeId).
		Scan(&r.Id, &r.FollowerId, &r.FolloweeId, &r.RequestId, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

func (q *Queries) DeleteFollowRequest(ctx context.Context, followerId, followeeId string) (bool, error) {
	n, err := q.exec(ctx, sqlDeleteFollowRequest, followerId, followeeId)
	return n > 0, err
}

func (q *Queries) CreateBlocking(ctx context.Context, b *domain.Blocking) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := q.exec(ctx, sqlInsertBlocking, b.Id, b.BlockerId, b.BlockeeId, millis(b.CreatedAt))
	return err
}

func (q *Queries) ReadBlocking(ctx context.Context, blockerId, blockeeId string) (*domain.Blocking, error) {
	var (
		b         domain.Blocking
		createdAt int64
	)
	err := q.q.QueryRowContext(ctx, sqlSelectBlocking, blockerId, blockeeId).Scan(&b.Id, &b.BlockerId, &b.BlockeeId, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.CreatedAt = fromMillis(createdAt)
	return &b, nil
}

func (q *Queries) IsBlocking(ctx context.Context, blockerId, blockeeId string) (bool, error) {
	b, err := q.ReadBlocking(ctx, blockerId, blockeeId)
	return b != nil, err
}

func (q *Queries) DeleteBlocking(ctx context.Context, blockerId, blockeeId string) (bool, error) {
	n, err := q.exec(ctx, sqlDeleteBlocking, blockerId, blockeeId)
	return n > 0, err
}

// ReadBlockerIds lists everyone blocking blockeeId.
func (q *Queries) ReadBlockerIds(ctx context.Context, blockeeId string) ([]string, error) {
	return q.readIds(ctx, sqlSelectBlockerIds, blockeeId)
}

func scanMuting(row rowScanner) (*domain.Muting, error) {
	var (
		m         domain.Muting
		expiresAt sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&m.Id, &m.MuterId, &m.MuteeId, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	m.ExpiresAt = fromNullMillis(expiresAt)
	m.CreatedAt = fromMillis(createdAt)
	return &m, nil
}

func (q *Queries) CreateMuting(ctx context.Context, m *domain.Muting) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := q.exec(ctx, sqlInsertMuting, m.Id, m.MuterId, m.MuteeId, nullMillis(m.ExpiresAt), millis(m.CreatedAt))
	return err
}

func (q *Queries) ReadMuting(ctx context.Context, muterId, muteeId string) (*domain.Muting, error) {
	m, err := scanMuting(q.q.QueryRowContext(ctx, sqlSelectMuting, muterId, muteeId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// ReadMutingsOf lists every muting whose mutee is id, expired or not.
func (q *Queries) ReadMutingsOf(ctx context.Context, muteeId string) ([]*domain.Muting, error) {
	rows, err := q.q.QueryContext(ctx, sqlSelectMutingsOf, muteeId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Muting
	for rows.Next() {
		m, err := scanMuting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *Queries) CreateUserList(ctx context.Context, l *domain.UserList) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := q.exec(ctx, sqlInsertUserList, l.Id, l.UserId, l.Name, millis(l.CreatedAt))
	return err
}

func (q *Queries) CreateListMembership(ctx context.Context, m *domain.ListMembership) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := q.exec(ctx, sqlInsertMembership, m.Id, m.ListId, m.UserId, millis(m.CreatedAt))
	return err
}

// ReadMembershipsOfUser lists every list membership of userId.
func (q *Queries) ReadMembershipsOfUser(ctx context.Context, userId string) ([]*domain.ListMembership, error) {
	rows, err := q.q.QueryContext(ctx, sqlSelectMemberships, userId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ListMembership
	for rows.Next() {
		var (
			m         domain.ListMembership
			createdAt int64
		)
		if err := rows.Scan(&m.Id, &m.ListId, &m.UserId, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(createdAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// DeleteMembershipFromOwnerLists removes userId from every list owned by ownerId.
func (q *Queries) DeleteMembershipFromOwnerLists(ctx context.Context, ownerId, userId string) error {
	_, err := q.exec(ctx, sqlDeleteOwnMembership, userId, ownerId)
	return err
}

func scanReaction(row rowScanner) (*domain.Reaction, error) {
	var (
		r         domain.Reaction
		createdAt int64
	)
	if err := row.Scan(&r.Id, &r.UserId, &r.PostId, &r.Reaction, &createdAt); err != nil {
		return nil, err
	}
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

func (q *Queries) CreateReaction(ctx context.Context, r *domain.Reaction) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := q.exec(ctx, sqlInsertReaction, r.Id, r.UserId, r.PostId, r.Reaction, millis(r.CreatedAt))
	return err
}

func (q *Queries) ReadReaction(ctx context.Context, userId, postId string) (*domain.Reaction, error) {
	r, err := scanReaction(q.q.QueryRowContext(ctx, sqlSelectReaction, userId, postId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (q *Queries) DeleteReaction(ctx context.Context, id string) (bool, error) {
	n, err := q.exec(ctx, sqlDeleteReaction, id)
	return n > 0, err
}

func (q *Queries) ReadReactionsByUser(ctx context.Context, userId string) ([]*domain.Reaction, error) {
	rows, err := q.q.QueryContext(ctx, sqlSelectReactionsBy, userId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Reaction
	for rows.Next() {
		r, err := scanReaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *Queries) CreatePin(ctx context.Context, p *domain.Pin) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := q.exec(ctx, sqlInsertPin, p.Id, p.UserId, p.PostId, millis(p.CreatedAt))
	return err
}

func (q *Queries) DeletePin(ctx context.Context, userId, postId string) (bool, error) {
	n, err := q.exec(ctx, sqlDeletePin, userId, postId)
	return n > 0, err
}

func (q *Queries) CountPins(ctx context.Context, userId string) (int, error) {
	return q.count(ctx, sqlCountPins, userId)
}

func (q *Queries) ReadPinnedPostIds(ctx context.Context, userId string) ([]string, error) {
	return q.readIds(ctx, sqlSelectPinnedIds, userId)
}

func (q *Queries) CreateAbuseReport(ctx context.Context, r *domain.AbuseReport) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := q.exec(ctx, sqlInsertReport, r.Id, r.TargetUserId, r.ReporterId, r.Comment, jsonText(r.PostIds), r.Uri, millis(r.CreatedAt))
	return err
}

func (q *Queries) CountReportsFor(ctx context.Context, userId string) (int, error) {
	return q.count(ctx, sqlCountReportsFor, userId)
}
