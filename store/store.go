// Package store is the public face of the engine: a registry of loaded sessions over
// one backend, with lease renewal and autosave running in the background.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sharedcode/lyra"
	"github.com/sharedcode/lyra/cache"
	"github.com/sharedcode/lyra/encoding"
	"github.com/sharedcode/lyra/gateway"
	"github.com/sharedcode/lyra/inmemory"
	"github.com/sharedcode/lyra/lock"
	"github.com/sharedcode/lyra/migration"
	"github.com/sharedcode/lyra/session"
	"github.com/sharedcode/lyra/shard"
	"github.com/sharedcode/lyra/transaction"
)

// Store manages records of type T. All methods are safe for concurrent use.
type Store[T any] struct {
	opts       Options[T]
	log        *slog.Logger
	backend    lyra.Backend
	gw         *gateway.Gateway
	locks      *lock.Manager
	codec      shard.Codec
	migrations *migration.Runner
	versions   cache.Cache[string, version]

	mu       sync.Mutex
	sessions map[string]*session.Session[T]
	loading  map[string]bool
	closed   bool

	orphanMu sync.Mutex
	orphans  []string

	stop chan struct{}
	done chan struct{}
}

type version struct {
	data   []byte
	schema int
	info   lyra.KeyInfo
}

// New opens a store and starts its scheduler.
func New[T any](opts Options[T]) (*Store[T], error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	runner, err := migration.NewRunner(opts.MigrationSteps)
	if err != nil {
		return nil, err
	}
	log := opts.logger()
	backend := opts.Backend
	if opts.UseMock {
		backend = inmemory.New(opts.MaxWriteSize)
	}
	gw := gateway.New(backend, opts.Retry, log)
	maxWrite := opts.MaxWriteSize
	if maxWrite <= 0 {
		maxWrite = gw.MaxWriteSize()
	}
	s := &Store[T]{
		opts:       opts,
		log:        log,
		backend:    backend,
		gw:         gw,
		codec:      shard.NewCodec(maxWrite),
		migrations: runner,
		versions:   cache.NewMRU[string, version](opts.VersionCacheSize),
		sessions:   make(map[string]*session.Session[T]),
		loading:    make(map[string]bool),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.locks = lock.NewManager(gw, lock.Options{
		TTL:      opts.LockTTL,
		Attempts: opts.LockAttempts,
		Wait:     opts.LockWait,
		Logger:   log,
	})
	go s.run()
	log.Info("store opened", "owner", opts.OwnerID, "save_mode", opts.SaveMode.String(), "max_write_size", maxWrite)
	return s, nil
}

// Backend returns the backend the store writes to, the in-memory one with UseMock.
func (s *Store[T]) Backend() lyra.Backend {
	return s.backend
}

// OwnerID returns the id this store writes into leases.
func (s *Store[T]) OwnerID() string {
	return s.opts.OwnerID
}

func (s *Store[T]) storageKey(key string) string {
	return s.opts.Name + "/" + key
}

func (s *Store[T]) sessionConfig(key string, userIDs []string) session.Config[T] {
	return session.Config[T]{
		Key:                  key,
		StorageKey:           s.storageKey(key),
		OwnerID:              s.opts.OwnerID,
		UserIDs:              userIDs,
		Gateway:              s.gw,
		Locks:                s.locks,
		Codec:                s.codec,
		Migrations:           s.migrations,
		Validator:            s.opts.Schema,
		Template:             s.opts.Template,
		ImportLegacy:         s.opts.ImportLegacyData,
		Deferred:             s.opts.SaveMode == Deferred,
		MaxTransformDuration: s.opts.MaxTransformDuration,
		NoCopy:               s.opts.DisableReferenceProtection,
		OnChange:             s.changed,
		OnLockLost:           s.lockLost,
		Orphans:              s.queueOrphans,
		Logger:               s.log,
	}
}

// Load acquires the lease of key and caches its record. Loading a key that is
// already loaded is a no-op. userIDs are recorded in the key's metadata.
func (s *Store[T]) Load(ctx context.Context, key string, userIDs ...string) error {
	if key == "" {
		return lyra.NewError(lyra.UsageFailure, "key must not be empty")
	}
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return lyra.ErrStoreClosed
	case s.loading[key]:
		s.mu.Unlock()
		return lyra.Error{Code: lyra.LoadInProgress, UserData: key}
	case s.sessions[key] != nil:
		s.mu.Unlock()
		return nil
	}
	s.loading[key] = true
	s.mu.Unlock()

	sess, err := session.Open(ctx, s.sessionConfig(key, userIDs))

	s.mu.Lock()
	delete(s.loading, key)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.closed {
		s.mu.Unlock()
		return errors.Join(lyra.ErrStoreClosed, sess.Close(ctx))
	}
	s.sessions[key] = sess
	s.mu.Unlock()
	return nil
}

func (s *Store[T]) session(key string) (*session.Session[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, lyra.ErrStoreClosed
	}
	sess := s.sessions[key]
	if sess == nil {
		return nil, lyra.Error{Code: lyra.KeyNotLoaded, UserData: key}
	}
	return sess, nil
}

// Loaded reports whether key has a loaded session.
func (s *Store[T]) Loaded(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[key] != nil
}

// Unload saves key if dirty and releases its lease. The key is unloaded even when
// the save fails. A call made from inside a transform of key leaves it loaded.
func (s *Store[T]) Unload(ctx context.Context, key string) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return lyra.ErrStoreClosed
	case s.loading[key]:
		s.mu.Unlock()
		return lyra.Error{Code: lyra.LoadInProgress, UserData: key}
	}
	sess := s.sessions[key]
	if sess == nil {
		s.mu.Unlock()
		return lyra.Error{Code: lyra.KeyNotLoaded, UserData: key}
	}
	// Loads and unloads of key wait for this one to finish.
	s.loading[key] = true
	s.mu.Unlock()

	err := sess.Close(ctx)

	s.mu.Lock()
	delete(s.loading, key)
	if s.sessions[key] == sess && sess.Closed() {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	return err
}

// Get returns the cached record of a loaded key.
func (s *Store[T]) Get(_ context.Context, key string) (*T, error) {
	sess, err := s.session(key)
	if err != nil {
		return nil, err
	}
	return sess.Get()
}

// Update runs transform on a copy of key's record and commits it. It returns
// false, nil if transform returned false.
func (s *Store[T]) Update(ctx context.Context, key string, transform func(*T) bool) (bool, error) {
	sess, err := s.session(key)
	if err != nil {
		return false, err
	}
	return sess.Update(ctx, transform)
}

// Tx runs transform once over copies of every key's record and commits all of them.
// transform must not add or remove map entries.
func (s *Store[T]) Tx(ctx context.Context, keys []string, transform func(map[string]*T) bool) (bool, error) {
	if len(keys) == 0 {
		return false, lyra.NewError(lyra.UsageFailure, "transaction needs at least one key")
	}
	uniq := make(map[string]bool, len(keys))
	var sessions []*session.Session[T]
	for _, k := range keys {
		if uniq[k] {
			continue
		}
		uniq[k] = true
		sess, err := s.session(k)
		if err != nil {
			return false, err
		}
		sessions = append(sessions, sess)
	}
	return transaction.New(sessions, s.opts.MaxTransformDuration, s.log).Run(ctx, transform)
}

// Save writes key's record if it has changes not yet written.
func (s *Store[T]) Save(ctx context.Context, key string) error {
	sess, err := s.session(key)
	if err != nil {
		return err
	}
	return sess.Save(ctx)
}

// ProbeLockActive reports whether any process holds a live lease on key.
func (s *Store[T]) ProbeLockActive(ctx context.Context, key string) (bool, error) {
	return s.locks.Probe(ctx, s.storageKey(key))
}

// ListVersions pages through the history of params.Key.
func (s *Store[T]) ListVersions(ctx context.Context, params lyra.ListVersionsParams) (lyra.VersionPage, error) {
	key := params.Key
	params.Key = s.storageKey(key)
	page, err := s.gw.ListVersions(ctx, params)
	if err != nil {
		return lyra.VersionPage{}, err
	}
	for i := range page.Versions {
		page.Versions[i].Key = key
	}
	return page, nil
}

// ReadVersion returns the record as it was at version. Versions whose shard set has
// since been cleaned up fail with Corruption.
func (s *Store[T]) ReadVersion(ctx context.Context, key, ver string) (*T, lyra.KeyInfo, error) {
	ck := s.storageKey(key) + "@" + ver
	if v, ok := s.versions.Get(ck); ok {
		rec, err := s.decode(v.data, v.schema)
		return rec, v.info, err
	}
	obj, found, err := s.gw.GetVersion(ctx, s.storageKey(key), ver)
	if err != nil {
		return nil, lyra.KeyInfo{}, err
	}
	if !found || !obj.HasRecord() {
		return nil, lyra.KeyInfo{}, lyra.Error{Code: lyra.UsageFailure, Err: fmt.Errorf("version %q not found", ver), UserData: key}
	}
	if obj.Version == "" {
		obj.Version = lyra.VersionToken(ver)
	}
	data, _, err := session.ReadRecord(ctx, s.gw, s.storageKey(key), obj)
	if err != nil {
		return nil, lyra.KeyInfo{}, err
	}
	schemaVersion, err := session.SchemaVersion(obj)
	if err != nil {
		return nil, lyra.KeyInfo{}, err
	}
	info := session.Info(obj)
	s.versions.Set(lyra.KeyValuePair[string, version]{Key: ck, Value: version{data: data, schema: schemaVersion, info: info}})
	rec, err := s.decode(data, schemaVersion)
	return rec, info, err
}

// decode turns stored bytes into a record, migrating a copy when they are older
// than the current schema.
func (s *Store[T]) decode(data []byte, stored int) (*T, error) {
	if stored == s.migrations.Latest() {
		var rec T
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, lyra.WrapError(lyra.Corruption, err, nil)
		}
		return &rec, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, lyra.WrapError(lyra.Corruption, err, nil)
	}
	out, _, err := s.migrations.Run(m, stored)
	if err != nil {
		return nil, err
	}
	return encoding.FromMap[T](out)
}

// peekAttempts bounds retries of Peek racing a writer that replaces the shard set.
const peekAttempts = 3

// Peek reads the latest committed record of key without loading or leasing it. A
// key that was never written yields nil, nil.
func (s *Store[T]) Peek(ctx context.Context, key string) (*T, error) {
	var lastErr error
	for i := 0; i < peekAttempts; i++ {
		obj, found, err := s.gw.Get(ctx, s.storageKey(key))
		if err != nil {
			return nil, err
		}
		if !found || !obj.HasRecord() {
			return nil, nil
		}
		data, _, err := session.ReadRecord(ctx, s.gw, s.storageKey(key), obj)
		if err == nil {
			schemaVersion, err := session.SchemaVersion(obj)
			if err != nil {
				return nil, err
			}
			return s.decode(data, schemaVersion)
		}
		if lyra.CodeOf(err) != lyra.Corruption {
			return nil, err
		}
		lastErr = err
		// The chunks may have been replaced under us; only a moved version is worth another look.
		again, found, gerr := s.gw.Get(ctx, s.storageKey(key))
		if gerr != nil || !found || again.Version == obj.Version {
			return nil, err
		}
	}
	return nil, lastErr
}

func (s *Store[T]) changed(key string, newRecord, oldRecord *T) {
	for _, cb := range s.opts.ChangedCallbacks {
		cb(key, newRecord, oldRecord)
	}
}

func (s *Store[T]) lockLost(key string, err error) {
	s.mu.Lock()
	sess := s.sessions[key]
	if sess != nil && sess.Status() == session.Invalidated {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	s.log.Error("lease lost, key unloaded", "key", key, "error", err)
	if s.opts.OnLockLost != nil {
		s.opts.OnLockLost(key, err)
	}
}

func (s *Store[T]) queueOrphans(keys []string) {
	s.orphanMu.Lock()
	s.orphans = append(s.orphans, keys...)
	s.orphanMu.Unlock()
}

// Close unloads every key concurrently and stops the scheduler. Each session gets
// one save attempt and a lease release within CloseTimeout. A transform still
// running when CloseTimeout passes is abandoned: its commit is refused and its
// lease revoked.
func (s *Store[T]) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := s.snapshot()
	s.sessions = make(map[string]*session.Session[T])
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.CloseTimeout)
	defer cancel()
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
		// A renewal is stuck behind a running transform.
	}
	tr := lyra.NewCollector(ctx, defaultSchedulerWorkers)
	for _, sess := range sessions {
		tr.Go(fmt.Sprintf("unload %q", sess.Key()), sess.Drain)
	}
	err := tr.Wait()
	s.drainOrphans(ctx)
	s.log.Info("store closed", "sessions", len(sessions), "errors", tr.Failed())
	return err
}

// snapshot returns the loaded sessions in key order. Caller holds s.mu.
func (s *Store[T]) snapshot() []*session.Session[T] {
	out := make([]*session.Session[T], 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (s *Store[T]) loaded() []*session.Session[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// run is the scheduler: lease renewal every RenewInterval, autosave and orphan
// cleanup every AutosaveInterval.
func (s *Store[T]) run() {
	defer close(s.done)
	renew := time.NewTicker(s.opts.RenewInterval)
	defer renew.Stop()
	autosave := time.NewTicker(s.opts.AutosaveInterval)
	defer autosave.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-renew.C:
			s.renewAll()
		case <-autosave.C:
			s.autosave()
		}
	}
}

func (s *Store[T]) renewAll() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RenewInterval)
	defer cancel()
	tr := lyra.NewCollector(ctx, defaultSchedulerWorkers)
	for _, sess := range s.loaded() {
		tr.Go(sess.Key(), func(ctx context.Context) error {
			err := sess.Renew(ctx)
			switch lyra.CodeOf(err) {
			case lyra.Unknown:
				if err != nil {
					s.log.Warn("lease renewal failed", "key", sess.Key(), "error", err)
				}
			case lyra.RetryExhausted:
				s.log.Warn("lease renewal retries exhausted, trying again next tick", "key", sess.Key(), "error", err)
			case lyra.LockLost:
				// The session reports it through lockLost.
			default:
				s.log.Error("lease renewal failed", "key", sess.Key(), "error", err)
			}
			return err
		})
	}
	if err := tr.Wait(); err != nil {
		s.log.Debug("lease renewal pass finished with failures", "failed", tr.Failed())
	}
}

func (s *Store[T]) autosave() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.AutosaveInterval)
	defer cancel()
	tr := lyra.NewCollector(ctx, defaultSchedulerWorkers)
	for _, sess := range s.loaded() {
		if !sess.Dirty() {
			continue
		}
		tr.Go(sess.Key(), sess.Save)
	}
	if err := tr.Wait(); err != nil {
		s.log.Warn("autosave failed", "failed", tr.Failed(), "error", err)
	}
	s.drainOrphans(ctx)
}

// drainOrphans deletes queued shard keys. Keys that fail to delete stay queued.
func (s *Store[T]) drainOrphans(ctx context.Context) {
	s.orphanMu.Lock()
	keys := s.orphans
	s.orphans = nil
	s.orphanMu.Unlock()
	if len(keys) == 0 {
		return
	}
	var failed []string
	for _, k := range keys {
		if err := s.gw.Delete(ctx, k, lyra.AnyVersion); err != nil {
			failed = append(failed, k)
			s.log.Debug("orphaned shard delete failed", "shard", k, "error", err)
		}
	}
	if len(failed) > 0 {
		s.queueOrphans(failed)
	}
	s.log.Debug("orphaned shards cleaned", "deleted", len(keys)-len(failed), "pending", len(failed))
}

// Autosave runs one autosave and orphan cleanup pass now.
func (s *Store[T]) Autosave() {
	s.autosave()
}

// PendingOrphans returns the number of shard keys queued for deletion.
func (s *Store[T]) PendingOrphans() int {
	s.orphanMu.Lock()
	defer s.orphanMu.Unlock()
	return len(s.orphans)
}
