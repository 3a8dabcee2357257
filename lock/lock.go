// Package lock implements lease based mutual exclusion on top of conditional writes.
// A lease lives in the metadata of the key it protects, so acquiring, renewing and
// releasing it are all ordinary compare-and-set writes of that key.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sharedcode/lyra"
)

// Default lease settings.
const (
	DefaultTTL      = 90 * time.Second
	DefaultAttempts = 3
)

// Store is the subset of the gateway the lock manager needs.
type Store interface {
	Get(ctx context.Context, key string) (lyra.Object, bool, error)
	Set(ctx context.Context, key string, obj lyra.Object, expected lyra.VersionToken) (lyra.VersionToken, error)
	Delete(ctx context.Context, key string, expected lyra.VersionToken) error
}

// Lease is the exclusive right of one session to write a key until ExpiresAt.
type Lease struct {
	OwnerID    string    `json:"owner_id"`
	SessionID  string    `json:"session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Live reports whether the lease has not expired at now.
func (l Lease) Live(now time.Time) bool {
	return l.SessionID != "" && now.Before(l.ExpiresAt)
}

func (l Lease) String() string {
	b, _ := json.Marshal(l)
	return string(b)
}

// Read extracts the lease from obj's metadata. ok is false when there is none.
func Read(obj lyra.Object) (lease Lease, ok bool, err error) {
	s, found := obj.Metadata[lyra.MetaLease]
	if !found || s == "" {
		return Lease{}, false, nil
	}
	if err := json.Unmarshal([]byte(s), &lease); err != nil {
		return Lease{}, false, lyra.WrapError(lyra.Corruption, fmt.Errorf("lease metadata unreadable: %w", err), nil)
	}
	return lease, true, nil
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	// TTL is how long a lease stays live without renewal.
	TTL time.Duration
	// Attempts bounds how many times Acquire retries after losing a write race.
	Attempts int
	// Wait, when positive, makes Acquire poll a key held by another owner for up to Wait.
	Wait   time.Duration
	Logger *slog.Logger
}

// Manager acquires, renews and releases leases.
type Manager struct {
	store    Store
	ttl      time.Duration
	attempts int
	wait     time.Duration
	log      *slog.Logger
}

// NewManager returns a Manager writing leases through store.
func NewManager(store Store, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:    store,
		ttl:      opts.TTL,
		attempts: opts.Attempts,
		wait:     opts.Wait,
		log:      opts.Logger.With("component", "lock"),
	}
}

// TTL returns the lease duration.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire takes the lease on key for ownerID and returns it with the object as
// stored after the lease write. A live lease of another owner yields LockContention
// carrying that owner's id.
func (m *Manager) Acquire(ctx context.Context, key, ownerID string) (Lease, lyra.Object, error) {
	var lease Lease
	var obj lyra.Object
	if m.wait <= 0 {
		var err error
		lease, obj, err = m.tryAcquire(ctx, key, ownerID)
		return lease, obj, err
	}
	poll := m.wait / 10
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	if poll > time.Second {
		poll = time.Second
	}
	b := retry.WithMaxDuration(m.wait, retry.NewConstant(poll))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		lease, obj, err = m.tryAcquire(ctx, key, ownerID)
		if lyra.CodeOf(err) == lyra.LockContention {
			m.log.Debug("lease held, waiting", "key", key, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	return lease, obj, err
}

func (m *Manager) tryAcquire(ctx context.Context, key, ownerID string) (Lease, lyra.Object, error) {
	for attempt := 1; ; attempt++ {
		current, found, err := m.store.Get(ctx, key)
		if err != nil {
			return Lease{}, lyra.Object{}, err
		}
		now := lyra.Now()
		expected := lyra.NoVersion
		next := lyra.Object{}
		if found {
			held, ok, err := Read(current)
			if err != nil {
				return Lease{}, lyra.Object{}, err
			}
			if ok && held.Live(now) && held.OwnerID != ownerID {
				return Lease{}, lyra.Object{}, lyra.Error{
					Code:     lyra.LockContention,
					Err:      fmt.Errorf("key %q leased until %s", key, held.ExpiresAt.Format(time.RFC3339)),
					UserData: held.OwnerID,
				}
			}
			if ok && !held.Live(now) {
				m.log.Info("taking over expired lease", "key", key, "previous_owner", held.OwnerID)
			}
			expected = current.Version
			next = current.Clone()
		}
		lease := Lease{
			OwnerID:    ownerID,
			SessionID:  lyra.NewUUID().String(),
			AcquiredAt: now,
			ExpiresAt:  now.Add(m.ttl),
		}
		next.SetMeta(lyra.MetaLease, lease.String())
		write := next
		write.LeaseOnly = found
		tok, err := m.store.Set(ctx, key, write, expected)
		if err == nil {
			next.Version = tok
			m.log.Debug("lease acquired", "key", key, "session", lease.SessionID)
			return lease, next, nil
		}
		if lyra.CodeOf(err) != lyra.StaleVersion {
			return Lease{}, lyra.Object{}, err
		}
		if attempt >= m.attempts {
			return Lease{}, lyra.Object{}, lyra.WrapError(lyra.LockContention, fmt.Errorf("lost lease race on %q: %w", key, err), "")
		}
		lyra.RandomSleepWithUnit(ctx, 10*time.Millisecond)
	}
}

// Renew extends the lease held in current, the object as last written by this
// session. A rejected write means the lease was taken over and yields LockLost.
func (m *Manager) Renew(ctx context.Context, key string, current lyra.Object) (Lease, lyra.Object, error) {
	held, ok, err := Read(current)
	if err != nil {
		return Lease{}, lyra.Object{}, err
	}
	if !ok {
		return Lease{}, lyra.Object{}, lyra.NewError(lyra.LockLost, "key %q has no lease to renew", key)
	}
	held.ExpiresAt = lyra.Now().Add(m.ttl)
	next := current.Clone()
	next.SetMeta(lyra.MetaLease, held.String())
	tok, err := m.store.Set(ctx, key, leaseWrite(next), current.Version)
	if err != nil {
		if lyra.CodeOf(err) == lyra.StaleVersion {
			return Lease{}, lyra.Object{}, lyra.WrapError(lyra.LockLost, err, key)
		}
		return Lease{}, lyra.Object{}, err
	}
	next.Version = tok
	m.log.Log(ctx, lyra.LevelTrace, "lease renewed", "key", key, "expires_at", held.ExpiresAt)
	return held, next, nil
}

// Release removes the lease from current. A key that only ever held a lease is
// deleted. If the lease was already taken over, Release does nothing.
func (m *Manager) Release(ctx context.Context, key string, current lyra.Object) error {
	if !current.HasRecord() {
		err := m.store.Delete(ctx, key, current.Version)
		if lyra.CodeOf(err) == lyra.StaleVersion {
			return nil
		}
		return err
	}
	next := current.Clone()
	delete(next.Metadata, lyra.MetaLease)
	_, err := m.store.Set(ctx, key, leaseWrite(next), current.Version)
	if lyra.CodeOf(err) == lyra.StaleVersion {
		m.log.Warn("lease already taken over at release", "key", key)
		return nil
	}
	if err == nil {
		m.log.Debug("lease released", "key", key)
	}
	return err
}

// Revoke releases lease on key if the key still carries it. It reads the key first,
// so the caller does not need the object it last wrote.
func (m *Manager) Revoke(ctx context.Context, key string, lease Lease) error {
	current, found, err := m.store.Get(ctx, key)
	if err != nil || !found {
		return err
	}
	held, ok, err := Read(current)
	if err != nil {
		return err
	}
	if !ok || held.SessionID != lease.SessionID {
		return nil
	}
	return m.Release(ctx, key, current)
}

func leaseWrite(obj lyra.Object) lyra.Object {
	obj.LeaseOnly = true
	return obj
}

// Probe reports whether key carries a live lease of any owner.
func (m *Manager) Probe(ctx context.Context, key string) (bool, error) {
	obj, found, err := m.store.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	l, ok, err := Read(obj)
	if err != nil {
		return false, err
	}
	return ok && l.Live(lyra.Now()), nil
}
