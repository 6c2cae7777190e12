// Package idempotency makes mutating requests safely retryable. The first
// request carrying a key reserves (endpoint, key) with the hash of its
// canonical body; identical retries replay the stored response and
// different bodies under the same key are rejected.
package idempotency

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/venturecrane/crane-relay/internal/errs"
	"github.com/venturecrane/crane-relay/internal/ids"
	"github.com/venturecrane/crane-relay/internal/store"
	"github.com/venturecrane/crane-relay/pkg/models"
)

// HeaderKey carries the caller-supplied key; HeaderReplay marks replays.
const (
	HeaderKey    = "Idempotency-Key"
	HeaderReplay = "Idempotency-Replay"
)

// MaxKeyLength bounds the caller-supplied key.
const MaxKeyLength = 128

// DefaultLease is how long a pending reservation is held before a retry
// may take it over.
const DefaultLease = 30 * time.Second

// Request identifies one idempotent call.
type Request struct {
	Endpoint   string
	Key        string
	Body       []byte
	ActorKeyID string
}

// Reservation is held by the request that owns (endpoint, key) and must be
// resolved with Finish.
type Reservation struct {
	Endpoint   string
	Key        string
	BodyHash   string
	ReservedAt time.Time
}

// Replay is a stored response to return verbatim.
type Replay struct {
	Status int
	Body   []byte
}

// Service reserves, completes and replays idempotent requests.
type Service struct {
	store *store.Store
	ttl   time.Duration
	lease time.Duration
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLease sets how long a pending reservation survives without being
// resolved. Non-positive values keep DefaultLease.
func WithLease(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lease = d
		}
	}
}

// New creates a Service whose records live for ttl.
func New(st *store.Store, ttl time.Duration, opts ...Option) *Service {
	s := &Service{store: st, ttl: ttl, lease: DefaultLease, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.lease > s.ttl {
		s.lease = s.ttl
	}
	return s
}

// ValidateKey checks that key is 1..128 visible ASCII characters.
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return errs.Field(HeaderKey, "must be 1-128 characters")
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return errs.Field(HeaderKey, "must be printable ASCII without spaces")
		}
	}
	return nil
}

// BodyHash hashes the canonical form of a JSON body. Bodies that are not
// JSON (the handler rejects them anyway) hash as raw bytes.
func BodyHash(body []byte) string {
	if len(body) == 0 {
		return ids.Hash(nil)
	}
	if _, h, err := ids.Digest(body); err == nil {
		return h
	}
	return ids.Hash(body)
}

// Begin resolves req against the stored record. Exactly one of the results
// is non-nil on success: a Reservation when the caller must execute the
// handler, or a Replay when an identical request already completed.
func (s *Service) Begin(ctx context.Context, req Request) (*Reservation, *Replay, error) {
	if err := ValidateKey(req.Key); err != nil {
		return nil, nil, err
	}
	hash := BodyHash(req.Body)
	now := s.now().UTC().Truncate(time.Microsecond)
	rec := &models.IdempotencyRecord{
		Endpoint:   req.Endpoint,
		Key:        req.Key,
		BodyHash:   hash,
		ActorKeyID: req.ActorKeyID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
		LeaseUntil: now.Add(s.lease),
	}

	var (
		res    *Reservation
		replay *Replay
	)
	err := s.store.WithTx(ctx, func(c *store.Conn) error {
		res, replay = nil, nil

		reserved, err := c.ReserveIdempotency(ctx, rec)
		if err != nil {
			return err
		}
		if !reserved {
			existing, err := c.GetIdempotency(ctx, req.Endpoint, req.Key)
			if err != nil {
				return err
			}
			if existing.Reclaimable(now) {
				reserved, err = c.TakeOverIdempotency(ctx, rec, now)
				if err != nil {
					return err
				}
				if reserved && existing.Abandoned(now) {
					log.Warn().
						Str("endpoint", req.Endpoint).
						Time("lease_until", existing.LeaseUntil).
						Msg("Reclaimed abandoned idempotency reservation")
				}
			}
			if !reserved {
				switch {
				case existing.BodyHash != hash:
					return errs.Conflict(errs.CodeIdempotencyConflict,
						"idempotency key was already used with a different request body")
				case existing.State != models.IdempotencyComplete:
					return errs.Conflict(errs.CodeIdempotencyInProgress,
						"a request with this idempotency key is still in progress")
				}
				replay = &Replay{Status: existing.ResponseStatus, Body: existing.ResponseBody}
				return nil
			}
		}
		res = &Reservation{Endpoint: req.Endpoint, Key: req.Key, BodyHash: hash, ReservedAt: now}
		return nil
	})
	if err != nil {
		return nil, nil, store.Classify(err)
	}
	if replay != nil {
		log.Info().
			Str("endpoint", req.Endpoint).
			Int("status", replay.Status).
			Msg("Idempotent replay")
	}
	return res, replay, nil
}

// Finish resolves a reservation. Responses below 500 are stored for
// replay; server errors release the key so a retry re-executes.
func (s *Service) Finish(ctx context.Context, res *Reservation, status int, body []byte) error {
	var err error
	if status >= 500 {
		err = s.store.ReleaseIdempotency(ctx, res.Endpoint, res.Key, res.BodyHash, res.ReservedAt)
	} else {
		err = s.store.CompleteIdempotency(ctx, res.Endpoint, res.Key, res.BodyHash, res.ReservedAt, status, body)
	}
	return store.Classify(err)
}

// Purge deletes expired records and returns how many were removed.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeExpiredIdempotency(ctx, s.now().UTC())
	return n, store.Classify(err)
}
