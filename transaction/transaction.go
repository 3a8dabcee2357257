// Package transaction commits one caller transform across several loaded sessions.
//
// The backend offers no multi-key atomicity. A transaction is exclusive because
// every key in it is leased by this process, so once the transform and validation
// pass, the only way a write can fail is a backend fault. The write pass runs key
// by key; a failure after the first write is reported as TransactionInconsistent
// and the caches keep their pre-transaction records.
package transaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sharedcode/lyra"
	"github.com/sharedcode/lyra/session"
)

// Transaction is one multi-key commit. Build it with New and call Run once.
type Transaction[T any] struct {
	sessions    []*session.Session[T]
	maxDuration time.Duration
	log         *slog.Logger

	records map[string]*T
	pending []*session.Pending
	changed []bool
}

// New returns a transaction over sessions, which must have distinct keys.
func New[T any](sessions []*session.Session[T], maxTransformDuration time.Duration, log *slog.Logger) *Transaction[T] {
	if log == nil {
		log = slog.Default()
	}
	ss := append([]*session.Session[T](nil), sessions...)
	// Lock order is key order, so concurrent transactions cannot deadlock.
	sort.Slice(ss, func(i, j int) bool { return ss[i].Key() < ss[j].Key() })
	return &Transaction[T]{
		sessions:    ss,
		maxDuration: maxTransformDuration,
		log:         log.With("component", "transaction"),
	}
}

// Run executes transform against working copies keyed by the callers' keys and
// commits the result. It returns false, nil when transform aborts.
func (t *Transaction[T]) Run(ctx context.Context, transform func(map[string]*T) bool) (bool, error) {
	held := 0
	unlock := func() {
		for ; held > 0; held-- {
			t.sessions[held-1].Unlock()
		}
	}
	defer unlock()
	for _, s := range t.sessions {
		if err := s.Enter(ctx); err != nil {
			return false, err
		}
		held++
	}

	ok, err := t.phase1Commit(transform)
	if err != nil || !ok {
		return false, err
	}
	if err := t.phase2Commit(ctx); err != nil {
		return false, err
	}

	type change struct {
		s        *session.Session[T]
		old, rec *T
	}
	var notify []change
	for i, s := range t.sessions {
		if !t.changed[i] {
			continue
		}
		old, _ := s.Get()
		s.Apply(t.pending[i])
		rec, _ := s.Get()
		notify = append(notify, change{s: s, old: old, rec: rec})
	}
	unlock()
	for _, c := range notify {
		c.s.Notify(c.rec, c.old)
	}
	t.log.Debug("transaction committed", "keys", len(t.sessions), "written", len(notify))
	return true, nil
}

// phase1Commit runs the transform and validates and encodes every record. No I/O.
func (t *Transaction[T]) phase1Commit(transform func(map[string]*T) bool) (bool, error) {
	t.records = make(map[string]*T, len(t.sessions))
	for _, s := range t.sessions {
		if err := s.CheckLoaded(); err != nil {
			return false, err
		}
		w, err := s.Working()
		if err != nil {
			return false, err
		}
		t.records[s.Key()] = w
	}

	ok, err := session.RunTransform(t.maxDuration, func() bool {
		for _, s := range t.sessions {
			s.BeginTransform(t.maxDuration)
		}
		defer func() {
			for _, s := range t.sessions {
				s.EndTransform()
			}
		}()
		return transform(t.records)
	})
	if err != nil || !ok {
		return false, err
	}

	if len(t.records) != len(t.sessions) {
		return false, lyra.NewError(lyra.KeySetMutated, "transform left %d keys, transaction has %d", len(t.records), len(t.sessions))
	}
	for _, s := range t.sessions {
		if rec, found := t.records[s.Key()]; !found || rec == nil {
			return false, lyra.Error{Code: lyra.KeySetMutated, Err: errors.New("key removed by transform"), UserData: s.Key()}
		}
	}
	for _, s := range t.sessions {
		if err := s.Validate(t.records[s.Key()]); err != nil {
			return false, fmt.Errorf("key %q: %w", s.Key(), err)
		}
	}

	t.pending = make([]*session.Pending, len(t.sessions))
	t.changed = make([]bool, len(t.sessions))
	for i, s := range t.sessions {
		p, err := s.Prepare(t.records[s.Key()])
		if err != nil {
			return false, err
		}
		t.pending[i] = p
		t.changed[i] = !bytes.Equal(p.Raw, s.Raw())
	}
	return true, nil
}

// phase2Commit writes every changed key in key order.
func (t *Transaction[T]) phase2Commit(ctx context.Context) error {
	var written []int
	for i, s := range t.sessions {
		if !t.changed[i] {
			continue
		}
		err := s.WritePending(ctx, t.pending[i])
		if err == nil {
			written = append(written, i)
			continue
		}
		if len(written) == 0 {
			return err
		}
		keys := make([]string, 0, len(written))
		for _, w := range written {
			// The backend holds the new record; the cache keeps the old one.
			t.sessions[w].KeepCache()
			keys = append(keys, t.sessions[w].Key())
		}
		t.log.Log(ctx, lyra.LevelFatal, "transaction write pass failed after partial commit",
			"failed_key", s.Key(), "written_keys", keys, "error", err)
		return lyra.Error{
			Code:     lyra.TransactionInconsistent,
			Err:      fmt.Errorf("write of %q failed after %v landed: %w", s.Key(), keys, err),
			UserData: s.Key(),
		}
	}
	return nil
}
