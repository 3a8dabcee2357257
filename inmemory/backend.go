// Package inmemory implements lyra.Backend over process memory. It backs the mock
// mode of a store and the engine's tests, so it also carries fault injection hooks.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sharedcode/lyra"
)

// Op names a backend call for fault injection.
type Op string

const (
	OpGet          Op = "get"
	OpSet          Op = "set"
	OpDelete       Op = "delete"
	OpListVersions Op = "list_versions"
	OpGetVersion   Op = "get_version"
)

// FaultFunc is consulted before every call. A non-nil return fails the call with that error.
type FaultFunc func(op Op, key string) error

type version struct {
	info lyra.VersionInfo
	obj  lyra.Object
}

type entry struct {
	current lyra.Object
	exists  bool
	history []version
}

// Backend is an in-memory lyra.Backend. The zero value is not usable; call New.
type Backend struct {
	mu           sync.Mutex
	entries      map[string]*entry
	seq          uint64
	maxWriteSize int
	fault        FaultFunc
	calls        map[Op]int
}

// New returns an empty backend. maxWriteSize <= 0 selects lyra.DefaultMaxWriteSize.
func New(maxWriteSize int) *Backend {
	if maxWriteSize <= 0 {
		maxWriteSize = lyra.DefaultMaxWriteSize
	}
	return &Backend{
		entries:      make(map[string]*entry),
		maxWriteSize: maxWriteSize,
		calls:        make(map[Op]int),
	}
}

// MaxWriteSize implements lyra.WriteLimiter.
func (b *Backend) MaxWriteSize() int {
	return b.maxWriteSize
}

// SetFault installs f, replacing any previous hook. nil clears it.
func (b *Backend) SetFault(f FaultFunc) {
	b.mu.Lock()
	b.fault = f
	b.mu.Unlock()
}

// ThrottleNext makes the next n calls of op fail with lyra.ErrThrottled.
func (b *Backend) ThrottleNext(op Op, n int) {
	b.SetFault(func(o Op, _ string) error {
		if o != op || n <= 0 {
			return nil
		}
		n--
		return lyra.ErrThrottled
	})
}

// FailWrites makes every Set of key fail with err.
func (b *Backend) FailWrites(key string, err error) {
	b.SetFault(func(o Op, k string) error {
		if o == OpSet && k == key {
			return err
		}
		return nil
	})
}

// Calls returns how many times op reached the backend, faulted calls included.
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Snapshot returns the stored object of key bypassing any fault hook.
func (b *Backend) Snapshot(key string) (lyra.Object, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok || !e.exists {
		return lyra.Object{}, false
	}
	return e.current.Clone(), true
}

// Keys returns the existing keys in sorted order.
func (b *Backend) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.entries))
	for k, e := range b.entries {
		if e.exists {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// enter counts the call and runs the fault hook. Caller holds b.mu.
func (b *Backend) enter(ctx context.Context, op Op, key string) error {
	b.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.fault != nil {
		return b.fault(op, key)
	}
	return nil
}

// Get implements lyra.Backend.
func (b *Backend) Get(ctx context.Context, key string) (lyra.Object, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpGet, key); err != nil {
		return lyra.Object{}, false, err
	}
	e, ok := b.entries[key]
	if !ok || !e.exists {
		return lyra.Object{}, false, nil
	}
	return e.current.Clone(), true, nil
}

func (b *Backend) check(e *entry, expected lyra.VersionToken) error {
	switch expected {
	case lyra.AnyVersion:
		return nil
	case lyra.NoVersion:
		if e != nil && e.exists {
			return lyra.ErrVersionConflict
		}
		return nil
	}
	if e == nil || !e.exists || e.current.Version != expected {
		return lyra.ErrVersionConflict
	}
	return nil
}

func (b *Backend) nextToken() lyra.VersionToken {
	b.seq++
	return lyra.VersionToken(strconv.FormatUint(b.seq, 10))
}

// Set implements lyra.Backend.
func (b *Backend) Set(ctx context.Context, key string, obj lyra.Object, expected lyra.VersionToken) (lyra.VersionToken, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpSet, key); err != nil {
		return "", err
	}
	if obj.Size() > b.maxWriteSize {
		return "", fmt.Errorf("%d bytes > %d: %w", obj.Size(), b.maxWriteSize, lyra.ErrPayloadTooLarge)
	}
	e := b.entries[key]
	if err := b.check(e, expected); err != nil {
		return "", err
	}
	if e == nil {
		e = &entry{}
		b.entries[key] = e
	}
	stored := obj.Clone()
	stored.Version = b.nextToken()
	stored.UpdatedAt = lyra.Now()
	e.current = stored
	e.exists = true
	if !obj.LeaseOnly {
		e.history = append(e.history, version{
			info: lyra.VersionInfo{Key: key, Version: string(stored.Version), CreatedAt: stored.UpdatedAt},
			obj:  stored.Clone(),
		})
	}
	return stored.Version, nil
}

// Delete implements lyra.Backend.
func (b *Backend) Delete(ctx context.Context, key string, expected lyra.VersionToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpDelete, key); err != nil {
		return err
	}
	e := b.entries[key]
	if e == nil || !e.exists {
		if expected == lyra.AnyVersion || expected == lyra.NoVersion {
			return nil
		}
		return lyra.ErrVersionConflict
	}
	if err := b.check(e, expected); err != nil {
		return err
	}
	e.exists = false
	e.current = lyra.Object{}
	e.history = append(e.history, version{
		info: lyra.VersionInfo{Key: key, Version: string(b.nextToken()), CreatedAt: lyra.Now(), Deleted: true},
	})
	return nil
}

const defaultPageSize = 100

// ListVersions implements lyra.Backend. The cursor is an offset into the filtered listing.
func (b *Backend) ListVersions(ctx context.Context, params lyra.ListVersionsParams) (lyra.VersionPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpListVersions, params.Key); err != nil {
		return lyra.VersionPage{}, err
	}
	e := b.entries[params.Key]
	if e == nil {
		return lyra.VersionPage{}, nil
	}
	var all []lyra.VersionInfo
	for _, v := range e.history {
		if inRange(v.info.CreatedAt, params.MinDate, params.MaxDate) {
			all = append(all, v.info)
		}
	}
	if params.SortDescending {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}
	offset := 0
	if params.Cursor != "" {
		n, err := strconv.Atoi(params.Cursor)
		if err != nil || n < 0 {
			return lyra.VersionPage{}, fmt.Errorf("cursor %q: %w", params.Cursor, lyra.ErrMalformedRequest)
		}
		offset = n
	}
	if offset > len(all) {
		offset = len(all)
	}
	size := params.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	end := offset + size
	page := lyra.VersionPage{}
	if end < len(all) {
		page.Cursor = strconv.Itoa(end)
	} else {
		end = len(all)
	}
	page.Versions = append([]lyra.VersionInfo(nil), all[offset:end]...)
	return page, nil
}

// GetVersion implements lyra.Backend. Tombstones are reported as not found.
func (b *Backend) GetVersion(ctx context.Context, key string, ver string) (lyra.Object, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, OpGetVersion, key); err != nil {
		return lyra.Object{}, false, err
	}
	e := b.entries[key]
	if e == nil {
		return lyra.Object{}, false, nil
	}
	for _, v := range e.history {
		if v.info.Version == ver && !v.info.Deleted {
			return v.obj.Clone(), true, nil
		}
	}
	return lyra.Object{}, false, nil
}

func inRange(t, lo, hi time.Time) bool {
	if !lo.IsZero() && t.Before(lo) {
		return false
	}
	if !hi.IsZero() && t.After(hi) {
		return false
	}
	return true
}
