// Package redis implements lyra.Backend on Redis. Conditional writes use WATCH/MULTI
// on the object's hash; versions are numbered by a per-key counter and kept in a
// sorted set scored by write time.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/lyra"
)

const (
	fieldData    = "data"
	fieldMeta    = "meta"
	fieldVersion = "version"
	fieldUpdated = "updated"

	defaultPageSize = 100
	// watchAttempts bounds retries of an unconditional write losing WATCH races.
	watchAttempts = 5
)

// Backend stores objects as Redis hashes.
type Backend struct {
	client       redis.UniversalClient
	prefix       string
	maxWriteSize int
}

// NewBackend returns a backend over the connection's client.
func NewBackend(conn *Connection) *Backend {
	return NewBackendWithClient(conn.Client, conn.Options)
}

// NewBackendWithClient returns a backend over any go-redis client, e.g. a cluster client.
func NewBackendWithClient(client redis.UniversalClient, opts Options) *Backend {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultOptions().KeyPrefix
	}
	return &Backend{client: client, prefix: prefix, maxWriteSize: opts.MaxWriteSize}
}

// MaxWriteSize implements lyra.WriteLimiter.
func (b *Backend) MaxWriteSize() int {
	if b.maxWriteSize > 0 {
		return b.maxWriteSize
	}
	return lyra.DefaultMaxWriteSize
}

// Ping tests connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	return classify(b.client.Ping(ctx).Err())
}

func (b *Backend) objectKey(key string) string   { return b.prefix + ":o:" + key }
func (b *Backend) seqKey(key string) string      { return b.prefix + ":seq:" + key }
func (b *Backend) versionsKey(key string) string { return b.prefix + ":v:" + key }
func (b *Backend) historyKey(key string) string  { return b.prefix + ":h:" + key }

// historyEntry is one version as kept in the history hash.
type historyEntry struct {
	Data      []byte            `json:"data,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Deleted   bool              `json:"deleted,omitempty"`
}

// Get implements lyra.Backend.
func (b *Backend) Get(ctx context.Context, key string) (lyra.Object, bool, error) {
	fields, err := b.client.HGetAll(ctx, b.objectKey(key)).Result()
	if err != nil {
		return lyra.Object{}, false, classify(err)
	}
	return decodeObject(fields)
}

func decodeObject(fields map[string]string) (lyra.Object, bool, error) {
	if len(fields) == 0 {
		return lyra.Object{}, false, nil
	}
	obj := lyra.Object{Version: lyra.VersionToken(fields[fieldVersion])}
	if d, ok := fields[fieldData]; ok && d != "" {
		obj.Data = []byte(d)
	}
	if m := fields[fieldMeta]; m != "" {
		if err := json.Unmarshal([]byte(m), &obj.Metadata); err != nil {
			return lyra.Object{}, false, fmt.Errorf("redis object metadata: %w", err)
		}
	}
	if u := fields[fieldUpdated]; u != "" {
		if n, err := strconv.ParseInt(u, 10, 64); err == nil {
			obj.UpdatedAt = time.Unix(0, n).UTC()
		}
	}
	return obj, true, nil
}

func matches(current string, exists bool, expected lyra.VersionToken) bool {
	switch expected {
	case lyra.AnyVersion:
		return true
	case lyra.NoVersion:
		return !exists
	}
	return exists && current == string(expected)
}

// Set implements lyra.Backend.
func (b *Backend) Set(ctx context.Context, key string, obj lyra.Object, expected lyra.VersionToken) (lyra.VersionToken, error) {
	if obj.Size() > b.MaxWriteSize() {
		return "", lyra.ErrPayloadTooLarge
	}
	meta, err := json.Marshal(obj.Metadata)
	if err != nil {
		return "", fmt.Errorf("%w: %v", lyra.ErrMalformedRequest, err)
	}
	var token lyra.VersionToken
	err = b.watch(ctx, key, expected, func(tx *redis.Tx, now time.Time) error {
		seq, err := tx.Incr(ctx, b.seqKey(key)).Result()
		if err != nil {
			return err
		}
		token = lyra.VersionToken(strconv.FormatInt(seq, 10))
		hist, _ := json.Marshal(historyEntry{Data: obj.Data, Metadata: obj.Metadata, CreatedAt: now})
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			ok := b.objectKey(key)
			p.Del(ctx, ok)
			p.HSet(ctx, ok,
				fieldData, obj.Data,
				fieldMeta, string(meta),
				fieldVersion, string(token),
				fieldUpdated, strconv.FormatInt(now.UnixNano(), 10))
			if !obj.LeaseOnly {
				b.appendHistory(ctx, p, key, string(token), now, hist)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Delete implements lyra.Backend.
func (b *Backend) Delete(ctx context.Context, key string, expected lyra.VersionToken) error {
	return b.watch(ctx, key, expected, func(tx *redis.Tx, now time.Time) error {
		n, err := tx.Exists(ctx, b.objectKey(key)).Result()
		if err != nil || n == 0 {
			return err
		}
		seq, err := tx.Incr(ctx, b.seqKey(key)).Result()
		if err != nil {
			return err
		}
		hist, _ := json.Marshal(historyEntry{CreatedAt: now, Deleted: true})
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, b.objectKey(key))
			b.appendHistory(ctx, p, key, strconv.FormatInt(seq, 10), now, hist)
			return nil
		})
		return err
	})
}

func (b *Backend) appendHistory(ctx context.Context, p redis.Pipeliner, key, version string, now time.Time, entry []byte) {
	p.ZAdd(ctx, b.versionsKey(key), redis.Z{Score: float64(now.UnixMilli()), Member: version})
	p.HSet(ctx, b.historyKey(key), version, entry)
}

// watch runs write under WATCH of the object key after checking expected.
func (b *Backend) watch(ctx context.Context, key string, expected lyra.VersionToken, write func(tx *redis.Tx, now time.Time) error) error {
	for attempt := 0; ; attempt++ {
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.HGet(ctx, b.objectKey(key), fieldVersion).Result()
			exists := err == nil
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if !matches(cur, exists, expected) {
				return lyra.ErrVersionConflict
			}
			return write(tx, lyra.Now().UTC())
		}, b.objectKey(key))
		if errors.Is(err, redis.TxFailedErr) {
			// The key moved under WATCH: a conditional write lost, an unconditional one retries.
			if expected == lyra.AnyVersion && attempt < watchAttempts {
				continue
			}
			return lyra.ErrVersionConflict
		}
		return classify(err)
	}
}

// ListVersions implements lyra.Backend. The cursor is an offset into the sorted set.
func (b *Backend) ListVersions(ctx context.Context, params lyra.ListVersionsParams) (lyra.VersionPage, error) {
	size := params.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	offset := 0
	if params.Cursor != "" {
		n, err := strconv.Atoi(params.Cursor)
		if err != nil || n < 0 {
			return lyra.VersionPage{}, fmt.Errorf("%w: cursor %q", lyra.ErrMalformedRequest, params.Cursor)
		}
		offset = n
	}
	lo, hi := "-inf", "+inf"
	if !params.MinDate.IsZero() {
		lo = strconv.FormatInt(params.MinDate.UnixMilli(), 10)
	}
	if !params.MaxDate.IsZero() {
		hi = strconv.FormatInt(params.MaxDate.UnixMilli(), 10)
	}
	zs, err := b.client.ZRangeArgsWithScores(ctx, redis.ZRangeArgs{
		Key:     b.versionsKey(params.Key),
		Start:   lo,
		Stop:    hi,
		ByScore: true,
		Rev:     params.SortDescending,
		Offset:  int64(offset),
		Count:   int64(size + 1),
	}).Result()
	if err != nil {
		return lyra.VersionPage{}, classify(err)
	}
	var page lyra.VersionPage
	if len(zs) > size {
		zs = zs[:size]
		page.Cursor = strconv.Itoa(offset + size)
	}
	if len(zs) == 0 {
		return page, nil
	}
	members := make([]string, len(zs))
	for i, z := range zs {
		members[i] = fmt.Sprint(z.Member)
	}
	raw, err := b.client.HMGet(ctx, b.historyKey(params.Key), members...).Result()
	if err != nil {
		return lyra.VersionPage{}, classify(err)
	}
	for i, z := range zs {
		vi := lyra.VersionInfo{Key: params.Key, Version: members[i], CreatedAt: time.UnixMilli(int64(z.Score)).UTC()}
		if s, ok := raw[i].(string); ok {
			var e historyEntry
			if json.Unmarshal([]byte(s), &e) == nil {
				vi.CreatedAt = e.CreatedAt
				vi.Deleted = e.Deleted
			}
		}
		page.Versions = append(page.Versions, vi)
	}
	return page, nil
}

// GetVersion implements lyra.Backend.
func (b *Backend) GetVersion(ctx context.Context, key string, version string) (lyra.Object, bool, error) {
	s, err := b.client.HGet(ctx, b.historyKey(key), version).Result()
	if errors.Is(err, redis.Nil) {
		return lyra.Object{}, false, nil
	}
	if err != nil {
		return lyra.Object{}, false, classify(err)
	}
	var e historyEntry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return lyra.Object{}, false, fmt.Errorf("redis history entry %s@%s: %w", key, version, err)
	}
	if e.Deleted {
		return lyra.Object{}, false, nil
	}
	return lyra.Object{Data: e.Data, Metadata: e.Metadata, Version: lyra.VersionToken(version), UpdatedAt: e.CreatedAt}, true, nil
}

// classify maps Redis server replies onto the engine's backend errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, lyra.ErrVersionConflict) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "LOADING"), strings.HasPrefix(msg, "BUSY"),
		strings.HasPrefix(msg, "TRYAGAIN"), strings.HasPrefix(msg, "CLUSTERDOWN"),
		strings.HasPrefix(msg, "MASTERDOWN"):
		return fmt.Errorf("%w: %v", lyra.ErrThrottled, err)
	case strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"), strings.HasPrefix(msg, "NOPERM"):
		return fmt.Errorf("%w: %v", lyra.ErrUnauthorized, err)
	case strings.HasPrefix(msg, "WRONGTYPE"):
		return fmt.Errorf("%w: %v", lyra.ErrMalformedRequest, err)
	case strings.HasPrefix(msg, "OOM"):
		return fmt.Errorf("%w: %v", lyra.ErrPayloadTooLarge, err)
	}
	return err
}
