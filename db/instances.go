package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

const instanceColumns = `id, host, users_count, notes_count, following_count, followers_count, software_name,
	software_version, name, description, info_updated_at, latest_status, latest_request_received_at,
	last_communicated_at, is_not_responding, created_at`

const (
	sqlInsertInstance       = `INSERT INTO instances(id, host, created_at) VALUES (?, ?, ?) ON CONFLICT(host) DO NOTHING`
	sqlSelectInstanceByHost = `SELECT ` + instanceColumns + ` FROM instances WHERE host = ?`
	sqlAdjustInstanceCounts = `UPDATE instances SET
		users_count = max(0, users_count + ?),
		notes_count = max(0, notes_count + ?),
		following_count = max(0, following_count + ?),
		followers_count = max(0, followers_count + ?)
		WHERE host = ?`
	sqlUpdateInstanceInfo = `UPDATE instances SET software_name = ?, software_version = ?, name = ?, description = ?,
		info_updated_at = ? WHERE host = ?`
	sqlDeliverySucceeded = `UPDATE instances SET latest_status = ?, last_communicated_at = ?, is_not_responding = 0 WHERE host = ?`
	sqlDeliveryFailed    = `UPDATE instances SET latest_status = ?, is_not_responding = 1 WHERE host = ?`
	sqlRequestReceived   = `UPDATE instances SET latest_request_received_at = ?, last_communicated_at = ?, is_not_responding = 0 WHERE host = ?`
)

const (
	sqlInsertRelay         = `INSERT INTO relays(id, inbox, status) VALUES (?, ?, ?)`
	sqlSelectRelay         = `SELECT id, inbox, status FROM relays WHERE id = ?`
	sqlSelectRelaysStatus  = `SELECT id, inbox, status FROM relays WHERE status = ? ORDER BY inbox`
	sqlUpdateRelayStatus   = `UPDATE relays SET status = ? WHERE id = ?`
	sqlDeleteRelay         = `DELETE FROM relays WHERE id = ?`
	sqlInsertWebhook       = `INSERT INTO webhooks(id, user_id, name, url, secret, events, active) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectWebhooksOf    = `SELECT id, user_id, name, url, secret, events, active, latest_status, last_triggered_at FROM webhooks WHERE user_id = ? AND active = 1`
	sqlSelectWebhook       = `SELECT id, user_id, name, url, secret, events, active, latest_status, last_triggered_at FROM webhooks WHERE id = ?`
	sqlUpdateWebhookStatus = `UPDATE webhooks SET latest_status = ?, last_triggered_at = ? WHERE id = ?`
)

func scanInstance(row rowScanner) (*domain.Instance, error) {
	var (
		i                                     domain.Instance
		infoUpdated, requestReceived, lastCom sql.NullInt64
		createdAt                             int64
	)
	err := row.Scan(&i.Id, &i.Host, &i.UsersCount, &i.NotesCount, &i.FollowingCount, &i.FollowersCount,
		&i.SoftwareName, &i.SoftwareVersion, &i.Name, &i.Description, &infoUpdated, &i.LatestStatus,
		&requestReceived, &lastCom, &i.IsNotResponding, &createdAt)
	if err != nil {
		return nil, err
	}
	i.InfoUpdatedAt = fromNullMillis(infoUpdated)
	i.LatestRequestReceivedAt = fromNullMillis(requestReceived)
	i.LastCommunicatedAt = fromNullMillis(lastCom)
	i.CreatedAt = fromMillis(createdAt)
	return &i, nil
}

// UpsertInstance returns the registry row for host, creating it on first sight.
func (q *Queries) UpsertInstance(ctx context.Context, host string) (*domain.Instance, error) {
	if _, err := q.exec(ctx, sqlInsertInstance, domain.NewID(), host, millis(time.Now())); err != nil {
		return nil, err
	}
	return q.ReadInstanceByHost(ctx, host)
}

func (q *Queries) ReadInstanceByHost(ctx context.Context, host string) (*domain.Instance, error) {
	i, err := scanInstance(q.q.QueryRowContext(ctx, sqlSelectInstanceByHost, host))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return i, err
}

func (q *Queries) AdjustInstanceCounts(ctx context.Context, host string, users, notes, following, followers int) error {
	_, err := q.exec(ctx, sqlAdjustInstanceCounts, users, notes, following, followers, host)
	return err
}

func (q *Queries) UpdateInstanceInfo(ctx context.Context, i *domain.Instance) error {
	now := time.Now()
	i.InfoUpdatedAt = &now
	_, err := q.exec(ctx, sqlUpdateInstanceInfo, i.SoftwareName, i.SoftwareVersion, i.Name, i.Description, millis(now), i.Host)
	return err
}

// RecordDelivery stores the outcome of one outbound delivery attempt.
func (q *Queries) RecordDelivery(ctx context.Context, host string, status int, ok bool) error {
	var err error
	if ok {
		_, err = q.exec(ctx, sqlDeliverySucceeded, status, millis(time.Now()), host)
	} else {
		_, err = q.exec(ctx, sqlDeliveryFailed, status, host)
	}
	return err
}

// RecordRequestReceived marks host as alive after a verified inbound request.
func (q *Queries) RecordRequestReceived(ctx context.Context, host string) error {
	now := millis(time.Now())
	_, err := q.exec(ctx, sqlRequestReceived, now, now, host)
	return err
}

func scanRelay(row rowScanner) (*domain.Relay, error) {
	var (
		r      domain.Relay
		status string
	)
	if err := row.Scan(&r.Id, &r.Inbox, &status); err != nil {
		return nil, err
	}
	r.Status = domain.RelayStatus(status)
	return &r, nil
}

func (q *Queries) CreateRelay(ctx context.Context, r *domain.Relay) error {
	_, err := q.exec(ctx, sqlInsertRelay, r.Id, r.Inbox, string(r.Status))
	return err
}

func (q *Queries) ReadRelay(ctx context.Context, id string) (*domain.Relay, error) {
	r, err := scanRelay(q.q.QueryRowContext(ctx, sqlSelectRelay, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (q *Queries) ReadRelaysByStatus(ctx context.Context, status domain.RelayStatus) ([]*domain.Relay, error) {
	rows, err := q.q.QueryContext(ctx, sqlSelectRelaysStatus, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Relay
	for rows.Next() {
		r, err := scanRelay(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *Queries) UpdateRelayStatus(ctx context.Context, id string, status domain.RelayStatus) (bool, error) {
	n, err := q.exec(ctx, sqlUpdateRelayStatus, string(status), id)
	return n > 0, err
}

func (q *Queries) DeleteRelay(ctx context.Context, id string) error {
	_, err := q.exec(ctx, sqlDeleteRelay, id)
	return err
}

func scanWebhook(row rowScanner) (*domain.Webhook, error) {
	var (
		w             domain.Webhook
		events        string
		lastTriggered sql.NullInt64
	)
	err := row.Scan(&w.Id, &w.UserId, &w.Name, &w.Url, &w.Secret, &events, &w.Active, &w.LatestStatus, &lastTriggered)
	if err != nil {
		return nil, err
	}
	w.Events = strList(events)
	w.LastTriggeredAt = fromNullMillis(lastTriggered)
	return &w, nil
}

func (q *Queries) CreateWebhook(ctx context.Context, w *domain.Webhook) error {
	_, err := q.exec(ctx, sqlInsertWebhook, w.Id, w.UserId, w.Name, w.Url, w.Secret, jsonText(w.Events), w.Active)
	return err
}

func (q *Queries) ReadWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	w, err := scanWebhook(q.q.QueryRowContext(ctx, sqlSelectWebhook, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

// ReadActiveWebhooks lists userId's enabled webhooks.
func (q *Queries) ReadActiveWebhooks(ctx context.Context, userId string) ([]*domain.Webhook, error) {
	rows, err := q.q.QueryContext(ctx, sqlSelectWebhooksOf, userId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (q *Queries) UpdateWebhookStatus(ctx context.Context, id string, status int) error {
	_, err := q.exec(ctx, sqlUpdateWebhookStatus, status, millis(time.Now()), id)
	return err
}
