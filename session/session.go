// Package session holds one loaded record: its cached value, the lease that makes
// this process its only writer, and the version token of the last write. Single key
// updates commit here; the transaction package drives several sessions through the
// exported Pending primitives.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharedcode/lyra"
	"github.com/sharedcode/lyra/encoding"
	"github.com/sharedcode/lyra/gateway"
	"github.com/sharedcode/lyra/lock"
	"github.com/sharedcode/lyra/migration"
	"github.com/sharedcode/lyra/schema"
	"github.com/sharedcode/lyra/shard"
)

// State is the lifecycle state of a Session.
type State int

const (
	Unloaded State = iota
	Loading
	Loaded
	Invalidated
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Invalidated:
		return "invalidated"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// DefaultReleaseTimeout bounds the lease release of Close when the caller's context is already done.
const DefaultReleaseTimeout = 5 * time.Second

// DefaultReentryWait is how long a call waits for a running transform when the
// transform has no duration limit.
const DefaultReentryWait = 30 * time.Second

// Config carries what a Session needs from its store.
type Config[T any] struct {
	// Key is the caller's key, StorageKey the backend key it maps to.
	Key        string
	StorageKey string
	OwnerID    string
	UserIDs    []string

	Gateway    *gateway.Gateway
	Locks      *lock.Manager
	Codec      shard.Codec
	Migrations *migration.Runner
	Validator  schema.Validator[T]

	// Template seeds a key that was never written. ImportLegacy, when set, is asked
	// first and may return nil to fall back to the template.
	Template     *T
	ImportLegacy func(ctx context.Context, key string) (map[string]any, error)

	// Deferred makes Update commit to the cache only; Save and Close write.
	Deferred             bool
	MaxTransformDuration time.Duration
	// NoCopy hands out cached records to readers and callbacks without deep copies.
	NoCopy bool

	OnChange   func(key string, newRecord, oldRecord *T)
	OnLockLost func(key string, err error)
	// Orphans receives shard keys that no commit references anymore.
	Orphans func(keys []string)
	Logger  *slog.Logger
}

// Session is one loaded key. Methods are safe for concurrent use.
type Session[T any] struct {
	cfg Config[T]
	log *slog.Logger

	mu       sync.Mutex
	state    State
	stored   lyra.Object
	manifest *shard.Manifest
	lease    lock.Lease
	raw      []byte
	dirty    bool
	userIDs  []string

	// record is replaced, never modified, so readers only need recMu.
	recMu  sync.RWMutex
	record *T

	// gate is set while a caller transform runs.
	gate atomic.Pointer[transformGate]
	// held mirrors lease for readers that cannot take mu.
	held      atomic.Pointer[lock.Lease]
	draining  atomic.Bool
	abandoned atomic.Bool
	// closed is set once close ran, for callers that cannot take mu.
	closed   atomic.Bool
	lostOnce sync.Once
}

type transformGate struct {
	done     chan struct{}
	deadline time.Time
}

// Open acquires the lease of cfg.StorageKey and loads the record: fetch, decode,
// migrate, validate. A key never written is seeded and marked dirty. On failure the
// lease is released again.
func Open[T any](ctx context.Context, cfg Config[T]) (*Session[T], error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Session[T]{cfg: cfg, state: Loading}
	lease, obj, err := cfg.Locks.Acquire(ctx, cfg.StorageKey, cfg.OwnerID)
	if err != nil {
		return nil, err
	}
	s.setLease(lease)
	s.stored = obj
	s.log = cfg.Logger.With("key", cfg.Key, "session", lease.SessionID)

	start := lyra.Now()
	if err := s.load(ctx); err != nil {
		s.log.Error("load failed, releasing lease", "error", err)
		rctx, cancel := releaseContext(ctx)
		if rerr := cfg.Locks.Release(rctx, cfg.StorageKey, s.stored); rerr != nil {
			s.log.Warn("lease release after failed load", "error", rerr)
		}
		cancel()
		return nil, err
	}
	s.state = Loaded
	s.log.Debug("session loaded", "duration", lyra.Now().Sub(start), "dirty", s.dirty)
	return s, nil
}

func (s *Session[T]) load(ctx context.Context) error {
	var rec *T
	var err error
	if s.stored.HasRecord() {
		rec, err = s.decodeStored(ctx)
	} else {
		rec, err = s.seed(ctx)
		s.dirty = true
	}
	if err != nil {
		return err
	}
	ids, changed := mergeUserIDs(UserIDs(s.stored), s.cfg.UserIDs)
	s.userIDs = ids
	if changed {
		s.dirty = true
	}
	if err := s.validate(rec); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return lyra.WrapError(lyra.UsageFailure, err, s.cfg.Key)
	}
	s.raw = raw
	s.setRecord(rec)
	return nil
}

func (s *Session[T]) decodeStored(ctx context.Context) (*T, error) {
	data, m, err := ReadRecord(ctx, s.cfg.Gateway, s.cfg.StorageKey, s.stored)
	if err != nil {
		return nil, err
	}
	s.manifest = m
	version, err := SchemaVersion(s.stored)
	if err != nil {
		return nil, err
	}
	if version == s.cfg.Migrations.Latest() {
		var rec T
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, lyra.WrapError(lyra.Corruption, fmt.Errorf("record does not decode: %w", err), s.cfg.Key)
		}
		return &rec, nil
	}
	var m0 map[string]any
	if err := json.Unmarshal(data, &m0); err != nil {
		return nil, lyra.WrapError(lyra.Corruption, fmt.Errorf("record is not a JSON object: %w", err), s.cfg.Key)
	}
	rec, err := s.migrate(m0, version)
	if err != nil {
		return nil, err
	}
	s.dirty = true
	return rec, nil
}

func (s *Session[T]) seed(ctx context.Context) (*T, error) {
	if s.cfg.ImportLegacy != nil {
		legacy, err := s.cfg.ImportLegacy(ctx, s.cfg.Key)
		if err != nil {
			return nil, lyra.WrapError(lyra.MigrationFailed, fmt.Errorf("legacy import: %w", err), s.cfg.Key)
		}
		if legacy != nil {
			s.log.Info("seeding key from legacy data")
			return s.migrate(legacy, 0)
		}
	}
	if s.cfg.Template == nil {
		return new(T), nil
	}
	rec, err := encoding.Clone(s.cfg.Template)
	if err != nil {
		return nil, lyra.WrapError(lyra.UsageFailure, fmt.Errorf("template does not clone: %w", err), s.cfg.Key)
	}
	return rec, nil
}

func (s *Session[T]) migrate(data map[string]any, from int) (*T, error) {
	out, to, err := s.cfg.Migrations.Run(data, from)
	if err != nil {
		return nil, err
	}
	rec, err := encoding.FromMap[T](out)
	if err != nil {
		return nil, lyra.WrapError(lyra.MigrationFailed, fmt.Errorf("migrated record does not decode: %w", err), s.cfg.Key)
	}
	if to != from {
		s.log.Info("record migrated", "from", from, "to", to)
	}
	return rec, nil
}

func (s *Session[T]) validate(rec *T) error {
	if s.cfg.Validator == nil {
		return nil
	}
	return s.cfg.Validator.Validate(rec)
}

// Key returns the caller's key.
func (s *Session[T]) Key() string {
	return s.cfg.Key
}

// Lease returns the lease the session holds.
func (s *Session[T]) Lease() lock.Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease
}

// Status returns the lifecycle state.
func (s *Session[T]) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dirty reports whether the cache holds changes not yet written.
func (s *Session[T]) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Info returns the KeyInfo of the last write seen by the session.
func (s *Session[T]) Info() lyra.KeyInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info(s.stored)
}

// Get returns the cached record. It does not wait for a running transform and sees
// the last committed value.
func (s *Session[T]) Get() (*T, error) {
	s.recMu.RLock()
	rec := s.record
	s.recMu.RUnlock()
	if rec == nil {
		return nil, lyra.ErrKeyNotLoaded
	}
	return s.out(rec), nil
}

func (s *Session[T]) setRecord(rec *T) {
	s.recMu.Lock()
	s.record = rec
	s.recMu.Unlock()
}

// out hands a record to the caller, copying it unless NoCopy.
func (s *Session[T]) out(rec *T) *T {
	if s.cfg.NoCopy || rec == nil {
		return rec
	}
	c, err := encoding.Clone(rec)
	if err != nil {
		return rec
	}
	return c
}

func (s *Session[T]) setLease(l lock.Lease) {
	s.lease = l
	s.held.Store(&l)
}

// BeginTransform marks the session as inside a caller transform limited to limit.
// Callers of Enter wait until EndTransform.
func (s *Session[T]) BeginTransform(limit time.Duration) {
	g := &transformGate{done: make(chan struct{})}
	if limit > 0 {
		g.deadline = lyra.Now().Add(limit)
	}
	s.gate.Store(g)
}

// EndTransform clears the mark set by BeginTransform and wakes waiting callers.
func (s *Session[T]) EndTransform() {
	if g := s.gate.Swap(nil); g != nil {
		close(g.done)
	}
}

// Enter takes the session mutex. A call arriving while a transform runs waits for
// it. If the transform is still running when its duration limit passes, the call
// is taken to come from inside the transform and fails with a UsageFailure.
func (s *Session[T]) Enter(ctx context.Context) error {
	for {
		g := s.gate.Load()
		if g == nil {
			s.mu.Lock()
			return nil
		}
		wait := DefaultReentryWait
		if !g.deadline.IsZero() {
			wait = g.deadline.Sub(lyra.Now())
		}
		if wait <= 0 {
			return s.errReentered()
		}
		t := time.NewTimer(wait)
		select {
		case <-g.done:
			t.Stop()
		case <-t.C:
			return s.errReentered()
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// errReentered is returned for operations started from inside a transform.
func (s *Session[T]) errReentered() error {
	return lyra.Error{Code: lyra.UsageFailure, Err: errors.New("transform re-entered the store"), UserData: s.cfg.Key}
}

// Update runs transform on a working copy and commits the result. A transform that
// returns false aborts with no I/O.
func (s *Session[T]) Update(ctx context.Context, transform func(*T) bool) (bool, error) {
	if err := s.Enter(ctx); err != nil {
		return false, err
	}
	if err := s.CheckLoaded(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	working, err := s.Working()
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	limit := s.cfg.MaxTransformDuration
	ok, err := RunTransform(limit, func() bool {
		s.BeginTransform(limit)
		defer s.EndTransform()
		return transform(working)
	})
	if err != nil || !ok {
		s.mu.Unlock()
		return false, err
	}
	if err := s.validate(working); err != nil {
		s.mu.Unlock()
		return false, err
	}
	p, err := s.Prepare(working)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	if bytes.Equal(p.Raw, s.raw) && !s.dirty {
		s.mu.Unlock()
		return true, nil
	}
	if err := s.checkLoaded(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	old := s.currentRecord()
	if s.cfg.Deferred {
		s.commitCache(p)
		s.dirty = true
	} else {
		if err := s.WritePending(ctx, p); err != nil {
			s.mu.Unlock()
			return false, err
		}
		s.Apply(p)
	}
	rec := s.currentRecord()
	s.mu.Unlock()
	s.Notify(rec, old)
	return true, nil
}

// RunTransform calls fn, converting a panic or an overrun of maxDuration into a
// UsageFailure. maxDuration <= 0 disables the duration check.
func RunTransform(maxDuration time.Duration, fn func() bool) (ok bool, err error) {
	start := lyra.Now()
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = lyra.Error{Code: lyra.UsageFailure, Err: fmt.Errorf("transform panicked: %v", r)}
		}
	}()
	ok = fn()
	if terr := lyra.TimedOut(context.Background(), "transform", start, maxDuration); terr != nil {
		return false, lyra.Error{Code: lyra.UsageFailure, Err: fmt.Errorf("transform blocked: %w", terr)}
	}
	return ok, nil
}

// Lock takes the session mutex for a multi-key commit.
func (s *Session[T]) Lock() {
	s.mu.Lock()
}

// Unlock releases the session mutex.
func (s *Session[T]) Unlock() {
	s.mu.Unlock()
}

// CheckLoaded returns nil if the session accepts new transforms. Caller holds the lock.
func (s *Session[T]) CheckLoaded() error {
	if s.draining.Load() {
		return lyra.Error{Code: lyra.StoreClosed, UserData: s.cfg.Key}
	}
	return s.checkLoaded()
}

func (s *Session[T]) checkLoaded() error {
	if s.abandoned.Load() {
		return lyra.Error{Code: lyra.StoreClosed, Err: errors.New("session abandoned at close"), UserData: s.cfg.Key}
	}
	switch s.state {
	case Loaded:
		return nil
	case Invalidated:
		return lyra.Error{Code: lyra.LockLost, Err: errors.New("session invalidated"), UserData: s.cfg.Key}
	}
	return lyra.Error{Code: lyra.KeyNotLoaded, UserData: s.cfg.Key}
}

func (s *Session[T]) currentRecord() *T {
	s.recMu.RLock()
	defer s.recMu.RUnlock()
	return s.record
}

// Working returns a private copy of the cached record. Caller holds the lock.
func (s *Session[T]) Working() (*T, error) {
	var w T
	if err := json.Unmarshal(s.raw, &w); err != nil {
		return nil, lyra.WrapError(lyra.UsageFailure, err, s.cfg.Key)
	}
	return &w, nil
}

// Raw returns the encoded cached record. Caller holds the lock.
func (s *Session[T]) Raw() []byte {
	return s.raw
}

// Validate checks rec against the store's validator.
func (s *Session[T]) Validate(rec *T) error {
	return s.validate(rec)
}

// Pending is a record encoded and ready to be written.
type Pending struct {
	Raw     []byte
	Encoded shard.Encoded
	// Written is set once the primary write landed; Object is the primary as stored.
	Written bool
	Object  lyra.Object
}

// Prepare encodes rec. No I/O.
func (s *Session[T]) Prepare(rec *T) (*Pending, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, lyra.WrapError(lyra.UsageFailure, fmt.Errorf("record does not encode: %w", err), s.cfg.Key)
	}
	enc, err := s.cfg.Codec.Encode(raw, func() string { return lyra.NewUUID().String() })
	if err != nil {
		return nil, err
	}
	return &Pending{Raw: raw, Encoded: enc}, nil
}

// WritePending writes p: chunks first, unconditionally, then the primary object
// conditionally on the last known token. Chunks of a rejected write and of the
// superseded shard set go to the orphan queue. A stale token invalidates the session
// and returns a Corruption error. Caller holds the lock.
func (s *Session[T]) WritePending(ctx context.Context, p *Pending) error {
	if err := s.checkLoaded(); err != nil {
		return err
	}
	var newChunks []string
	if p.Encoded.Sharded() {
		m := p.Encoded.Manifest
		for _, c := range p.Encoded.Chunks {
			k := shard.ChunkKey(s.cfg.StorageKey, m.SetID, c.Index)
			chunk := lyra.Object{Data: c.Payload}
			chunk.SetMeta(lyra.MetaFormat, "chunk")
			if _, err := s.cfg.Gateway.Set(ctx, k, chunk, lyra.AnyVersion); err != nil {
				s.orphan(append(newChunks, k))
				return err
			}
			newChunks = append(newChunks, k)
		}
	}

	next := s.stored.Clone()
	next.SetMeta(lyra.MetaFormat, strconv.Itoa(shard.FormatVersion))
	next.SetMeta(lyra.MetaSchemaVersion, strconv.Itoa(s.cfg.Migrations.Latest()))
	if len(s.userIDs) > 0 {
		b, _ := json.Marshal(s.userIDs)
		next.SetMeta(lyra.MetaUserIDs, string(b))
	}
	if p.Encoded.Sharded() {
		next.Data = nil
		next.SetMeta(lyra.MetaManifest, p.Encoded.Manifest.String())
	} else {
		next.Data = p.Encoded.Inline
		delete(next.Metadata, lyra.MetaManifest)
	}

	tok, err := s.cfg.Gateway.Set(ctx, s.cfg.StorageKey, next, s.stored.Version)
	if err != nil {
		s.orphan(newChunks)
		if lyra.CodeOf(err) == lyra.StaleVersion && s.abandoned.Load() {
			return lyra.Error{Code: lyra.StoreClosed, Err: errors.New("session abandoned at close"), UserData: s.cfg.Key}
		}
		if lyra.CodeOf(err) == lyra.StaleVersion {
			ferr := lyra.WrapError(lyra.Corruption, fmt.Errorf("write under held lease rejected: %w", err), s.cfg.Key)
			s.log.Log(ctx, lyra.LevelFatal, "stale version token under held lease", "error", err)
			s.Invalidate(ferr)
			return ferr
		}
		return err
	}
	next.Version = tok
	next.UpdatedAt = lyra.Now()
	p.Written = true
	p.Object = next
	if s.manifest != nil && (p.Encoded.Manifest == nil || p.Encoded.Manifest.SetID != s.manifest.SetID) {
		s.orphan(s.manifest.ChunkKeys(s.cfg.StorageKey))
	}
	s.stored = next
	s.manifest = p.Encoded.Manifest
	s.log.Debug("record written", "version", tok, "bytes", len(p.Raw), "sharded", p.Encoded.Sharded())
	return nil
}

// Apply adopts a written Pending as the cached record. Caller holds the lock.
func (s *Session[T]) Apply(p *Pending) {
	s.commitCache(p)
	s.dirty = false
}

// KeepCache leaves the cached record as it was although p was written, and marks
// the session dirty so the next save writes the cache back. Caller holds the lock.
func (s *Session[T]) KeepCache() {
	s.dirty = true
}

func (s *Session[T]) commitCache(p *Pending) {
	var rec T
	if err := json.Unmarshal(p.Raw, &rec); err != nil {
		s.log.Error("cannot decode committed record", "error", err)
		return
	}
	s.raw = p.Raw
	s.setRecord(&rec)
}

// Notify fires the change callback with copies of the records.
func (s *Session[T]) Notify(newRecord, oldRecord *T) {
	if s.cfg.OnChange == nil {
		return
	}
	s.cfg.OnChange(s.cfg.Key, s.out(newRecord), s.out(oldRecord))
}

// Invalidate stops the session from writing and reports the lost lock once.
func (s *Session[T]) Invalidate(err error) {
	s.state = Invalidated
	s.lostOnce.Do(func() {
		s.log.Error("session invalidated", "error", err)
		if s.cfg.OnLockLost != nil {
			go s.cfg.OnLockLost(s.cfg.Key, err)
		}
	})
}

func (s *Session[T]) orphan(keys []string) {
	if len(keys) > 0 && s.cfg.Orphans != nil {
		s.cfg.Orphans(keys)
	}
}

// Save writes the cached record if it is dirty.
func (s *Session[T]) Save(ctx context.Context) error {
	if err := s.Enter(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if err := s.checkLoaded(); err != nil {
		return err
	}
	return s.flush(ctx)
}

func (s *Session[T]) flush(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	rec := s.currentRecord()
	p, err := s.Prepare(rec)
	if err != nil {
		return err
	}
	if err := s.WritePending(ctx, p); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Renew extends the lease. A rejected renewal invalidates the session.
func (s *Session[T]) Renew(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Loaded {
		return nil
	}
	lease, obj, err := s.cfg.Locks.Renew(ctx, s.cfg.StorageKey, s.stored)
	if err != nil {
		if lyra.CodeOf(err) == lyra.LockLost {
			s.Invalidate(err)
		}
		return err
	}
	s.setLease(lease)
	s.stored = obj
	return nil
}

// Close saves the record if dirty and releases the lease. The session ends Unloaded
// even when the save fails; the release runs on a fresh deadline if ctx is done.
func (s *Session[T]) Close(ctx context.Context) error {
	if err := s.Enter(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.close(ctx)
}

// Closed reports whether Close or Drain finished unloading the session. It does
// not wait for a running transform.
func (s *Session[T]) Closed() bool {
	return s.closed.Load()
}

// Drain closes the session at store shutdown. New transforms are refused at once;
// a running one, or any call holding the session, is waited for until ctx is done.
// If it is still running then, the session is abandoned: its commit will be
// refused and the lease is revoked without a final save.
func (s *Session[T]) Drain(ctx context.Context) error {
	s.draining.Store(true)
	locked := make(chan struct{})
	go func() {
		s.mu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
		defer s.mu.Unlock()
		return s.close(ctx)
	case <-ctx.Done():
	}
	err := s.abandon(ctx)
	go func() {
		<-locked
		s.mu.Unlock()
	}()
	return err
}

func (s *Session[T]) abandon(ctx context.Context) error {
	s.abandoned.Store(true)
	lease := s.held.Load()
	rctx, cancel := releaseContext(ctx)
	defer cancel()
	err := s.cfg.Locks.Revoke(rctx, s.cfg.StorageKey, *lease)
	s.log.Warn("transform still running at close, lease revoked without saving", "error", err)
	return errors.Join(lyra.Error{Code: lyra.UsageFailure, Err: errors.New("transform still running at close"), UserData: s.cfg.Key}, err)
}

func (s *Session[T]) close(ctx context.Context) error {
	if s.state == Unloaded {
		return nil
	}
	var saveErr, relErr error
	if s.state == Loaded {
		if saveErr = s.flush(ctx); saveErr != nil {
			s.log.Warn("final save failed", "error", saveErr)
		}
	}
	if s.state == Loaded {
		rctx, cancel := releaseContext(ctx)
		relErr = s.cfg.Locks.Release(rctx, s.cfg.StorageKey, s.stored)
		cancel()
		if relErr != nil {
			s.log.Warn("lease release failed", "error", relErr)
		}
	}
	s.state = Unloaded
	s.closed.Store(true)
	s.setRecord(nil)
	s.log.Debug("session closed")
	return errors.Join(saveErr, relErr)
}

func releaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	// The lease still has to go even though the caller gave up.
	return context.WithTimeout(context.WithoutCancel(ctx), DefaultReleaseTimeout)
}
