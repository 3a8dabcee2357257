// Package bolt implements lyra.Backend on a local bbolt file. It suits single-host
// deployments and development; every call is one bbolt transaction, so conditional
// writes are serialized by the database itself.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sharedcode/lyra"
)

var (
	objectsBucket  = []byte("objects")
	versionsBucket = []byte("versions")
)

const defaultPageSize = 100

// Config locates the database file.
type Config struct {
	Path string `json:"path" yaml:"path"`
	// OpenTimeout bounds waiting for the file lock held by another process. Zero waits forever.
	OpenTimeout  time.Duration `json:"open_timeout" yaml:"open_timeout"`
	MaxWriteSize int           `json:"max_write_size" yaml:"max_write_size"`
}

// Backend is a lyra.Backend over one bbolt database.
type Backend struct {
	db           *bolt.DB
	maxWriteSize int
}

type record struct {
	Data      []byte            `json:"data,omitempty"`
	Metadata  map[string]string `json:"meta,omitempty"`
	Version   string            `json:"version"`
	UpdatedAt time.Time         `json:"updated"`
	Deleted   bool              `json:"deleted,omitempty"`
}

// Open opens or creates the database at config.Path.
func Open(config Config) (*Backend, error) {
	db, err := bolt.Open(config.Path, 0600, &bolt.Options{Timeout: config.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %w", config.Path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{objectsBucket, versionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not ensure buckets exist: %w", err)
	}
	return &Backend{db: db, maxWriteSize: config.MaxWriteSize}, nil
}

// Close closes the database file.
func (b *Backend) Close() error {
	return b.db.Close()
}

// MaxWriteSize implements lyra.WriteLimiter.
func (b *Backend) MaxWriteSize() int {
	if b.maxWriteSize > 0 {
		return b.maxWriteSize
	}
	return lyra.DefaultMaxWriteSize
}

func seqKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

func readRecord(bk *bolt.Bucket, key []byte) (record, bool, error) {
	v := bk.Get(key)
	if v == nil {
		return record{}, false, nil
	}
	var r record
	if err := json.Unmarshal(v, &r); err != nil {
		return record{}, false, fmt.Errorf("bbolt record %q: %w", key, err)
	}
	return r, true, nil
}

func (r record) object() lyra.Object {
	return lyra.Object{Data: r.Data, Metadata: r.Metadata, Version: lyra.VersionToken(r.Version), UpdatedAt: r.UpdatedAt}
}

func matches(cur record, exists bool, expected lyra.VersionToken) bool {
	switch expected {
	case lyra.AnyVersion:
		return true
	case lyra.NoVersion:
		return !exists
	}
	return exists && cur.Version == string(expected)
}

// Get implements lyra.Backend.
func (b *Backend) Get(ctx context.Context, key string) (lyra.Object, bool, error) {
	if err := ctx.Err(); err != nil {
		return lyra.Object{}, false, err
	}
	var obj lyra.Object
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		r, ok, err := readRecord(tx.Bucket(objectsBucket), []byte(key))
		obj, found = r.object(), ok
		return err
	})
	if !found {
		obj = lyra.Object{}
	}
	return obj, found, err
}

// write stores r as the new current state of key, or removes the key for a
// tombstone, and appends it to the key's history unless leaseOnly.
func write(tx *bolt.Tx, key string, r record, leaseOnly bool) (lyra.VersionToken, error) {
	objects := tx.Bucket(objectsBucket)
	seq, err := objects.NextSequence()
	if err != nil {
		return "", err
	}
	r.Version = strconv.FormatUint(seq, 10)
	v, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	if r.Deleted {
		err = objects.Delete([]byte(key))
	} else {
		err = objects.Put([]byte(key), v)
	}
	if err != nil {
		return "", err
	}
	if leaseOnly {
		return lyra.VersionToken(r.Version), nil
	}
	hist, err := tx.Bucket(versionsBucket).CreateBucketIfNotExists([]byte(key))
	if err != nil {
		return "", err
	}
	if err := hist.Put(seqKey(seq), v); err != nil {
		return "", err
	}
	return lyra.VersionToken(r.Version), nil
}

// Set implements lyra.Backend.
func (b *Backend) Set(ctx context.Context, key string, obj lyra.Object, expected lyra.VersionToken) (lyra.VersionToken, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if obj.Size() > b.MaxWriteSize() {
		return "", lyra.ErrPayloadTooLarge
	}
	var tok lyra.VersionToken
	err := b.db.Update(func(tx *bolt.Tx) error {
		cur, exists, err := readRecord(tx.Bucket(objectsBucket), []byte(key))
		if err != nil {
			return err
		}
		if !matches(cur, exists, expected) {
			return lyra.ErrVersionConflict
		}
		tok, err = write(tx, key, record{Data: obj.Data, Metadata: obj.Metadata, UpdatedAt: lyra.Now().UTC()}, obj.LeaseOnly)
		return err
	})
	return tok, err
}

// Delete implements lyra.Backend.
func (b *Backend) Delete(ctx context.Context, key string, expected lyra.VersionToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		cur, exists, err := readRecord(tx.Bucket(objectsBucket), []byte(key))
		if err != nil {
			return err
		}
		if !matches(cur, exists, expected) {
			return lyra.ErrVersionConflict
		}
		if !exists {
			return nil
		}
		_, err = write(tx, key, record{UpdatedAt: lyra.Now().UTC(), Deleted: true}, false)
		return err
	})
}

// ListVersions implements lyra.Backend. The cursor is the sequence number of the
// next version to return.
func (b *Backend) ListVersions(ctx context.Context, params lyra.ListVersionsParams) (lyra.VersionPage, error) {
	if err := ctx.Err(); err != nil {
		return lyra.VersionPage{}, err
	}
	size := params.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	var start []byte
	if params.Cursor != "" {
		n, err := strconv.ParseUint(params.Cursor, 10, 64)
		if err != nil {
			return lyra.VersionPage{}, fmt.Errorf("%w: cursor %q", lyra.ErrMalformedRequest, params.Cursor)
		}
		start = seqKey(n)
	}
	var page lyra.VersionPage
	err := b.db.View(func(tx *bolt.Tx) error {
		hist := tx.Bucket(versionsBucket).Bucket([]byte(params.Key))
		if hist == nil {
			return nil
		}
		c := hist.Cursor()
		var k, v []byte
		step := c.Next
		switch {
		case params.SortDescending && start == nil:
			k, v = c.Last()
			step = c.Prev
		case params.SortDescending:
			k, v = c.Seek(start)
			if k == nil {
				k, v = c.Last()
			} else if binary.BigEndian.Uint64(k) > binary.BigEndian.Uint64(start) {
				k, v = c.Prev()
			}
			step = c.Prev
		case start == nil:
			k, v = c.First()
		default:
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = step() {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("bbolt version of %q: %w", params.Key, err)
			}
			if !params.MinDate.IsZero() && r.UpdatedAt.Before(params.MinDate) {
				continue
			}
			if !params.MaxDate.IsZero() && r.UpdatedAt.After(params.MaxDate) {
				continue
			}
			if len(page.Versions) == size {
				page.Cursor = strconv.FormatUint(binary.BigEndian.Uint64(k), 10)
				return nil
			}
			page.Versions = append(page.Versions, lyra.VersionInfo{Key: params.Key, Version: r.Version, CreatedAt: r.UpdatedAt, Deleted: r.Deleted})
		}
		return nil
	})
	return page, err
}

// GetVersion implements lyra.Backend.
func (b *Backend) GetVersion(ctx context.Context, key string, version string) (lyra.Object, bool, error) {
	if err := ctx.Err(); err != nil {
		return lyra.Object{}, false, err
	}
	n, err := strconv.ParseUint(version, 10, 64)
	if err != nil {
		return lyra.Object{}, false, nil
	}
	var obj lyra.Object
	var found bool
	err = b.db.View(func(tx *bolt.Tx) error {
		hist := tx.Bucket(versionsBucket).Bucket([]byte(key))
		if hist == nil {
			return nil
		}
		r, ok, err := readRecord(hist, seqKey(n))
		if err != nil || !ok || r.Deleted {
			return err
		}
		obj, found = r.object(), true
		return nil
	})
	return obj, found, err
}

var _ lyra.Backend = (*Backend)(nil)
