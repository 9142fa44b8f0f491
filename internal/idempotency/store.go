// Package idempotency remembers responses to requests sent with an
// Idempotency-Key header so retries replay the first outcome.
package idempotency

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrInProgress is returned when the first request with the key has not
	// finished yet.
	ErrInProgress = errors.New("request with this idempotency key is in progress")
	// ErrMismatch is returned when the key is reused for a different request.
	ErrMismatch = errors.New("idempotency key reused with a different request")
)

const (
	statePending  = "pending"
	stateComplete = "complete"
)

// Response is a stored outcome.
type Response struct {
	Status int
	Body   []byte
}

type entry struct {
	State       string
	Fingerprint string
	Response    Response
}

func (e entry) encode() []byte {
	var w jx.Encoder
	w.ObjStart()
	w.FieldStart("state")
	w.Str(e.State)
	w.FieldStart("fingerprint")
	w.Str(e.Fingerprint)
	if e.State == stateComplete {
		w.FieldStart("status")
		w.Int(e.Response.Status)
		w.FieldStart("body")
		w.Base64(e.Response.Body)
	}
	w.ObjEnd()
	return w.Bytes()
}

func decodeEntry(data []byte) (entry, error) {
	var e entry
	d := jx.DecodeBytes(data)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "state":
			e.State, err = d.Str()
		case "fingerprint":
			e.Fingerprint, err = d.Str()
		case "status":
			e.Response.Status, err = d.Int()
		case "body":
			e.Response.Body, err = d.Base64()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return entry{}, errors.Wrap(err, "decode idempotency entry")
	}
	return e, nil
}

// Store keeps idempotency entries in Redis.
type Store struct {
	rdb        *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewStore returns a Store whose completed entries live for ttl. Pending
// entries expire after pendingTTL so a crashed request does not block the
// key forever.
func NewStore(rdb *redis.Client, ttl, pendingTTL time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, pendingTTL: pendingTTL}
}

func (s *Store) key(scope, key string) string {
	return "idem:" + scope + ":" + key
}

// Begin claims key for a request with the given fingerprint. It returns
// (nil, nil) when the caller owns the key and must call Complete or Release,
// or the stored Response when the request already finished.
func (s *Store) Begin(ctx context.Context, scope, key, fingerprint string) (*Response, error) {
	k := s.key(scope, key)
	pending := entry{State: statePending, Fingerprint: fingerprint}

	ok, err := s.rdb.SetNX(ctx, k, pending.encode(), s.pendingTTL).Result()
	if err != nil {
		return nil, errors.Wrap(err, "claim idempotency key")
	}
	if ok {
		return nil, nil
	}

	data, err := s.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the client may retry.
		return nil, ErrInProgress
	}
	if err != nil {
		return nil, errors.Wrap(err, "read idempotency key")
	}

	e, err := decodeEntry(data)
	if err != nil {
		return nil, err
	}
	if e.Fingerprint != fingerprint {
		return nil, ErrMismatch
	}
	if e.State != stateComplete {
		return nil, ErrInProgress
	}
	return &e.Response, nil
}

// Complete stores the final response for key.
func (s *Store) Complete(ctx context.Context, scope, key, fingerprint string, resp Response) error {
	e := entry{State: stateComplete, Fingerprint: fingerprint, Response: resp}
	if err := s.rdb.Set(ctx, s.key(scope, key), e.encode(), s.ttl).Err(); err != nil {
		return errors.Wrap(err, "store idempotent response")
	}
	return nil
}

// Release forgets key so the request can be retried. Used for outcomes that
// must not be replayed, such as transient failures.
func (s *Store) Release(ctx context.Context, scope, key string) error {
	if err := s.rdb.Del(ctx, s.key(scope, key)).Err(); err != nil {
		return errors.Wrap(err, "release idempotency key")
	}
	return nil
}
