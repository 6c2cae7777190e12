package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/venturecrane/crane-relay/pkg/models"
)

// ReserveIdempotency inserts a pending record. It reports false when a
// record for (endpoint, key) already exists.
func (c *Conn) ReserveIdempotency(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	res, err := c.exec(ctx, `INSERT INTO idempotency_keys
		(endpoint, idem_key, body_hash, state, response_status, actor_key_id, created_at, expires_at, lease_until)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)
		ON CONFLICT (endpoint, idem_key) DO NOTHING`,
		rec.Endpoint, rec.Key, rec.BodyHash, rec.ActorKeyID,
		FormatTime(rec.CreatedAt), FormatTime(rec.ExpiresAt), nullTime(rec.LeaseUntil))
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return n == 1, nil
}

// TakeOverIdempotency replaces a record whose TTL has passed, or a pending
// record whose lease has run out, with a fresh pending reservation. It
// reports false when the existing record is still live.
func (c *Conn) TakeOverIdempotency(ctx context.Context, rec *models.IdempotencyRecord, now time.Time) (bool, error) {
	ts := FormatTime(now)
	res, err := c.exec(ctx, `UPDATE idempotency_keys
		SET body_hash = ?, state = 'pending', response_status = 0, response_body = NULL,
			actor_key_id = ?, created_at = ?, expires_at = ?, lease_until = ?
		WHERE endpoint = ? AND idem_key = ?
			AND (expires_at <= ? OR (state = 'pending' AND lease_until IS NOT NULL AND lease_until <= ?))`,
		rec.BodyHash, rec.ActorKeyID, FormatTime(rec.CreatedAt), FormatTime(rec.ExpiresAt), nullTime(rec.LeaseUntil),
		rec.Endpoint, rec.Key, ts, ts)
	if err != nil {
		return false, fmt.Errorf("take over idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("take over idempotency key: %w", err)
	}
	return n == 1, nil
}

// GetIdempotency loads the record for (endpoint, key).
func (c *Conn) GetIdempotency(ctx context.Context, endpoint, key string) (*models.IdempotencyRecord, error) {
	var (
		rec                  models.IdempotencyRecord
		body                 sql.NullString
		createdAt, expiresAt string
		leaseUntil           sql.NullString
	)
	err := c.queryRow(ctx, `SELECT endpoint, idem_key, body_hash, state, response_status, response_body,
			actor_key_id, created_at, expires_at, lease_until
		FROM idempotency_keys WHERE endpoint = ? AND idem_key = ?`, endpoint, key).
		Scan(&rec.Endpoint, &rec.Key, &rec.BodyHash, &rec.State, &rec.ResponseStatus, &body,
			&rec.ActorKeyID, &createdAt, &expiresAt, &leaseUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "idempotency key", Key: endpoint + " " + key}
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	rec.ResponseBody = rawBytes(body)
	if rec.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.ExpiresAt, err = ParseTime(expiresAt); err != nil {
		return nil, err
	}
	lease, err := parseNullTime(leaseUntil)
	if err != nil {
		return nil, err
	}
	if lease != nil {
		rec.LeaseUntil = *lease
	}
	return &rec, nil
}

// CompleteIdempotency stores the final response of a pending record.
// reservedAt identifies the reservation, so an owner whose lease was taken
// over cannot resolve its successor's record.
func (c *Conn) CompleteIdempotency(ctx context.Context, endpoint, key, bodyHash string, reservedAt time.Time, status int, body []byte) error {
	_, err := c.exec(ctx, `UPDATE idempotency_keys
		SET state = 'complete', response_status = ?, response_body = ?, lease_until = NULL
		WHERE endpoint = ? AND idem_key = ? AND body_hash = ? AND created_at = ? AND state = 'pending'`,
		status, sql.NullString{String: string(body), Valid: true},
		endpoint, key, bodyHash, FormatTime(reservedAt))
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// ReleaseIdempotency drops a pending reservation so the request can be
// retried.
func (c *Conn) ReleaseIdempotency(ctx context.Context, endpoint, key, bodyHash string, reservedAt time.Time) error {
	_, err := c.exec(ctx, `DELETE FROM idempotency_keys
		WHERE endpoint = ? AND idem_key = ? AND body_hash = ? AND created_at = ? AND state = 'pending'`,
		endpoint, key, bodyHash, FormatTime(reservedAt))
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// PurgeExpiredIdempotency deletes records whose TTL passed before now.
func (c *Conn) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := c.exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, FormatTime(now))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return n, nil
}
