package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

const actorColumns = `id, username, host, uri, url, inbox, shared_inbox, outbox, followers_uri, featured_uri,
	key_id, public_key_pem, private_key_pem, name, summary, avatar_url, banner_url, fields, tags, emojis,
	is_bot, is_locked, is_suspended, is_deleted, moved_to_uri, moved_at, also_known_as,
	followers_count, following_count, notes_count, last_fetched_at, created_at, updated_at`

const (
	sqlInsertActor = `INSERT INTO actors(` + actorColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActorById       = `SELECT ` + actorColumns + ` FROM actors WHERE id = ?`
	sqlSelectActorByUri      = `SELECT ` + actorColumns + ` FROM actors WHERE uri = ?`
	sqlSelectActorByKeyId    = `SELECT ` + actorColumns + ` FROM actors WHERE key_id = ?`
	sqlSelectLocalByUsername = `SELECT ` + actorColumns + ` FROM actors WHERE host IS NULL AND lower(username) = lower(?)`
	sqlUpdateActorProfile    = `UPDATE actors SET username = ?, url = ?, inbox = ?, shared_inbox = ?, outbox = ?,
		followers_uri = ?, featured_uri = ?, key_id = ?, public_key_pem = ?, name = ?, summary = ?,
		avatar_url = ?, banner_url = ?, fields = ?, tags = ?, emojis = ?, is_bot = ?, is_locked = ?,
		moved_to_uri = ?, moved_at = ?, also_known_as = ?, last_fetched_at = ?, updated_at = ?
		WHERE id = ?`
	sqlUpdateActorMove   = `UPDATE actors SET moved_to_uri = ?, moved_at = ?, also_known_as = ?, updated_at = ? WHERE id = ?`
	sqlUpdateActorFlags  = `UPDATE actors SET is_suspended = ?, is_deleted = ?, updated_at = ? WHERE id = ?`
	sqlUpdateActorImages = `UPDATE actors SET avatar_url = ?, banner_url = ?, updated_at = ? WHERE id = ?`
	sqlAdjustActorCounts = `UPDATE actors SET
		followers_count = max(0, followers_count + ?),
		following_count = max(0, following_count + ?),
		notes_count = max(0, notes_count + ?)
		WHERE id = ?`
	sqlZeroFollowCounts  = `UPDATE actors SET followers_count = 0, following_count = 0 WHERE id = ?`
	sqlCountLocalActors  = `SELECT count(*) FROM actors WHERE host IS NULL AND is_deleted = 0`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (*domain.Actor, error) {
	var (
		a                    domain.Actor
		host, uri, keyId     sql.NullString
		fields, tags, emojis string
		alsoKnownAs          string
		movedAt, lastFetched sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&a.Id, &a.Username, &host, &uri, &a.Url, &a.Inbox, &a.SharedInbox, &a.Outbox,
		&a.FollowersUri, &a.FeaturedUri, &keyId, &a.PublicKeyPem, &a.PrivateKeyPem, &a.Name, &a.Summary,
		&a.AvatarUrl, &a.BannerUrl, &fields, &tags, &emojis, &a.IsBot, &a.IsLocked, &a.IsSuspended,
		&a.IsDeleted, &a.MovedToUri, &movedAt, &alsoKnownAs, &a.FollowersCount, &a.FollowingCount,
		&a.NotesCount, &lastFetched, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Host = host.String
	a.Uri = uri.String
	a.KeyId = keyId.String
	_ = jsonUnmarshal(fields, &a.Fields)
	a.Tags = strList(tags)
	a.Emojis = strList(emojis)
	a.AlsoKnownAs = strList(alsoKnownAs)
	a.MovedAt = fromNullMillis(movedAt)
	a.LastFetchedAt = fromNullMillis(lastFetched)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

func (q *Queries) readActor(ctx context.Context, query string, arg any) (*domain.Actor, error) {
	a, err := scanActor(q.q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// CreateActor inserts a new actor. A colliding uri, key id or
// username/host pair yields domain.ErrDuplicate.
func (q *Queries) CreateActor(ctx context.Context, a *domain.Actor) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := q.exec(ctx, sqlInsertActor,
		a.Id, a.Username, nullString(a.Host), nullString(a.Uri), a.Url, a.Inbox, a.SharedInbox, a.Outbox,
		a.FollowersUri, a.FeaturedUri, nullString(a.KeyId), a.PublicKeyPem, a.PrivateKeyPem, a.Name, a.Summary,
		a.AvatarUrl, a.BannerUrl, jsonText(a.Fields), jsonText(a.Tags), jsonText(a.Emojis), a.IsBot, a.IsLocked,
		a.IsSuspended, a.IsDeleted, a.MovedToUri, nullMillis(a.MovedAt), jsonText(a.AlsoKnownAs),
		a.FollowersCount, a.FollowingCount, a.NotesCount, nullMillis(a.LastFetchedAt),
		millis(a.CreatedAt), millis(a.UpdatedAt))
	return err
}

// ReadActorById returns nil when no actor has the id.
func (q *Queries) ReadActorById(ctx context.Context, id string) (*domain.Actor, error) {
	return q.readActor(ctx, sqlSelectActorById, id)
}

func (q *Queries) ReadActorByUri(ctx context.Context, uri string) (*domain.Actor, error) {
	return q.readActor(ctx, sqlSelectActorByUri, uri)
}

func (q *Queries) ReadActorByKeyId(ctx context.Context, keyId string) (*domain.Actor, error) {
	return q.readActor(ctx, sqlSelectActorByKeyId, keyId)
}

func (q *Queries) ReadLocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error) {
	return q.readActor(ctx, sqlSelectLocalByUsername, username)
}

func (q *Queries) ReadActorsByIds(ctx context.Context, ids []string) ([]*domain.Actor, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.q.QueryContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []*domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

// UpdateActorProfile writes back everything a profile refresh may change.
func (q *Queries) UpdateActorProfile(ctx context.Context, a *domain.Actor) error {
	a.UpdatedAt = time.Now()
	_, err := q.exec(ctx, sqlUpdateActorProfile,
		a.Username, a.Url, a.Inbox, a.SharedInbox, a.Outbox, a.FollowersUri, a.FeaturedUri,
		nullString(a.KeyId), a.PublicKeyPem, a.Name, a.Summary, a.AvatarUrl, a.BannerUrl,
		jsonText(a.Fields), jsonText(a.Tags), jsonText(a.Emojis), a.IsBot, a.IsLocked,
		a.MovedToUri, nullMillis(a.MovedAt), jsonText(a.AlsoKnownAs), nullMillis(a.LastFetchedAt),
		millis(a.UpdatedAt), a.Id)
	return err
}

func (q *Queries) UpdateActorMove(ctx context.Context, id, movedToUri string, movedAt *time.Time, alsoKnownAs []string) error {
	_, err := q.exec(ctx, sqlUpdateActorMove, movedToUri, nullMillis(movedAt), jsonText(alsoKnownAs), millis(time.Now()), id)
	return err
}

func (q *Queries) UpdateActorFlags(ctx context.Context, id string, suspended, deleted bool) error {
	_, err := q.exec(ctx, sqlUpdateActorFlags, suspended, deleted, millis(time.Now()), id)
	return err
}

func (q *Queries) UpdateActorImages(ctx context.Context, id, avatarUrl, bannerUrl string) error {
	_, err := q.exec(ctx, sqlUpdateActorImages, avatarUrl, bannerUrl, millis(time.Now()), id)
	return err
}

// AdjustActorCounts applies counter deltas, never going below zero.
func (q *Queries) AdjustActorCounts(ctx context.Context, id string, followers, following, notes int) error {
	_, err := q.exec(ctx, sqlAdjustActorCounts, followers, following, notes, id)
	return err
}

func (q *Queries) ZeroFollowCounts(ctx context.Context, id string) error {
	_, err := q.exec(ctx, sqlZeroFollowCounts, id)
	return err
}

// DecrementFollowingCounts subtracts one from the following counter of every id.
func (q *Queries) DecrementFollowingCounts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.exec(ctx, `UPDATE actors SET following_count = max(0, following_count - 1) WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	return err
}

// DecrementFollowersCounts subtracts one from the followers counter of every id.
func (q *Queries) DecrementFollowersCounts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.exec(ctx, `UPDATE actors SET followers_count = max(0, followers_count - 1) WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	return err
}

func (q *Queries) CountLocalActors(ctx context.Context) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, sqlCountLocalActors).Scan(&n)
	return n, err
}
