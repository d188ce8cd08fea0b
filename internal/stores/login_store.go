package stores

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authflow/kv"
)

var (
	ErrLoginSessionNotFound = errors.New("login session not found")
	ErrLoginSessionExists   = errors.New("login session already exists")
	ErrLoginSessionConflict = errors.New("login session update conflict")
)

// Action tells Update what to write after the mutation callback returns.
type Action int

const (
	// Keep writes nothing.
	Keep Action = iota
	// Save writes the mutated session back with its remaining lifetime.
	Save
	// Finish replaces the session with a short-lived completion marker and
	// then deletes it. Exactly one concurrent caller can finish a session.
	Finish
	// Abandon replaces the session with an abandoned tombstone.
	Abandon
)

const (
	loginSessionMaxRetries = 4
	finishMarkerTTL        = time.Minute
)

// LoginSessionStore persists login sessions in a kv.Store. Every write is a
// compare-and-swap against the encoding that was read, so concurrent
// submissions to one flow serialize.
type LoginSessionStore struct {
	kv           kv.Store
	prefix       string
	abandonedTTL time.Duration
	now          func() time.Time
}

func NewLoginSessionStore(store kv.Store, prefix string, abandonedTTL time.Duration, clock func() time.Time) *LoginSessionStore {
	if prefix == "" {
		prefix = "flow"
	}
	if abandonedTTL <= 0 {
		abandonedTTL = 5 * time.Minute
	}
	if clock == nil {
		clock = time.Now
	}
	return &LoginSessionStore{kv: store, prefix: prefix, abandonedTTL: abandonedTTL, now: clock}
}

func (s *LoginSessionStore) key(id string) string {
	return s.prefix + ":" + id
}

// Create stores a new session. Its lifetime is ExpiresAt minus now.
func (s *LoginSessionStore) Create(ctx context.Context, sess *LoginSession) error {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return errors.New("login session already expired")
	}
	encoded, err := encodeLoginSession(sess)
	if err != nil {
		return err
	}
	ok, err := s.kv.CompareAndSwap(ctx, s.key(sess.ID), nil, encoded, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLoginSessionExists
	}
	return nil
}

// Get returns the session or its abandoned tombstone.
func (s *LoginSessionStore) Get(ctx context.Context, id string) (*LoginSession, error) {
	sess, _, err := s.load(ctx, id)
	return sess, err
}

func (s *LoginSessionStore) load(ctx context.Context, id string) (*LoginSession, []byte, error) {
	raw, err := s.kv.Get(ctx, s.key(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil, ErrLoginSessionNotFound
		}
		return nil, nil, err
	}
	sess, err := decodeLoginSession(raw)
	if err != nil {
		return nil, nil, err
	}
	switch sess.State {
	case StateAbandoned:
		return sess, raw, nil
	case StateComplete:
		return nil, nil, ErrLoginSessionNotFound
	}
	if !s.now().Before(sess.ExpiresAt) {
		return nil, nil, ErrLoginSessionNotFound
	}
	return sess, raw, nil
}

// Reserve marks flow id as held by one submitter for at most ttl. It reports
// false while another holder has it.
func (s *LoginSessionStore) Reserve(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return s.kv.CompareAndSwap(ctx, s.reserveKey(id), nil, []byte{1}, ttl)
}

// Release drops a reservation taken with Reserve.
func (s *LoginSessionStore) Release(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, s.reserveKey(id))
}

func (s *LoginSessionStore) reserveKey(id string) string {
	return s.key(id) + ":held"
}

// Update loads the session, runs fn on it and writes the result according to
// the returned Action. fn is re-run on a fresh copy when another writer got
// there first; it must not have side effects beyond the session. An
// abandoned tombstone is returned as is without calling fn.
func (s *LoginSessionStore) Update(ctx context.Context, id string, fn func(*LoginSession) (Action, error)) (*LoginSession, error) {
	key := s.key(id)

	for i := 0; i < loginSessionMaxRetries; i++ {
		sess, raw, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.State == StateAbandoned {
			return sess, nil
		}

		action, err := fn(sess)
		if err != nil {
			return nil, err
		}

		var (
			next []byte
			ttl  time.Duration
		)
		switch action {
		case Keep:
			return sess, nil
		case Save:
			sess.Revision++
			ttl = sess.ExpiresAt.Sub(s.now())
			if ttl <= 0 {
				return nil, ErrLoginSessionNotFound
			}
			next, err = encodeLoginSession(sess)
		case Abandon:
			tomb := sess.Tombstone()
			sess.State, sess.Revision = StateAbandoned, tomb.Revision
			ttl = s.abandonedTTL
			next, err = encodeLoginSession(tomb)
		case Finish:
			sess.State = StateComplete
			sess.Revision++
			ttl = finishMarkerTTL
			next, err = encodeLoginSession(&LoginSession{ID: sess.ID, State: StateComplete, Revision: sess.Revision})
		default:
			return nil, errors.New("unknown login session action")
		}
		if err != nil {
			return nil, err
		}

		swapped, err := s.kv.CompareAndSwap(ctx, key, raw, next, ttl)
		if err != nil {
			return nil, err
		}
		if !swapped {
			continue
		}
		if action == Finish {
			// The marker expires on its own if this delete fails.
			_ = s.kv.Delete(ctx, key)
		}
		return sess, nil
	}

	return nil, ErrLoginSessionConflict
}
