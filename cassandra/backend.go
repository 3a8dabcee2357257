// Package cassandra implements lyra.Backend on Cassandra. Conditional writes are
// lightweight transactions on the objects table; every write also appends a row to
// object_versions.
package cassandra

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/sharedcode/lyra"
)

const (
	// defaultMaxWriteSize stays under the 16MB mutation limit of a default commitlog.
	defaultMaxWriteSize = 1 << 20
	defaultPageSize     = 100
)

// Backend stores objects in the objects table of the connection's keyspace.
type Backend struct {
	conn *Connection
}

// NewBackend returns a backend over conn.
func NewBackend(conn *Connection) *Backend {
	return &Backend{conn: conn}
}

// MaxWriteSize implements lyra.WriteLimiter.
func (b *Backend) MaxWriteSize() int {
	if b.conn.MaxWriteSize > 0 {
		return b.conn.MaxWriteSize
	}
	return defaultMaxWriteSize
}

func (b *Backend) query(ctx context.Context, c gocql.Consistency, stmt string, args ...any) *gocql.Query {
	q := b.conn.Session.Query(fmt.Sprintf(stmt, b.conn.Keyspace), args...).WithContext(ctx)
	if c > gocql.Any {
		q.Consistency(c)
	}
	return q
}

// Get implements lyra.Backend.
func (b *Backend) Get(ctx context.Context, key string) (lyra.Object, bool, error) {
	var obj lyra.Object
	var version string
	err := b.query(ctx, b.conn.ConsistencyBook.Get, "SELECT data, meta, version, updated FROM %s.objects WHERE key = ?;", key).
		Scan(&obj.Data, &obj.Metadata, &version, &obj.UpdatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return lyra.Object{}, false, nil
	}
	if err != nil {
		return lyra.Object{}, false, classify(err)
	}
	obj.Version = lyra.VersionToken(version)
	return obj, true, nil
}

// Set implements lyra.Backend.
func (b *Backend) Set(ctx context.Context, key string, obj lyra.Object, expected lyra.VersionToken) (lyra.VersionToken, error) {
	if obj.Size() > b.MaxWriteSize() {
		return "", lyra.ErrPayloadTooLarge
	}
	token := gocql.TimeUUID()
	now := versionTime(token)
	c := b.conn.ConsistencyBook.Set
	var q *gocql.Query
	switch expected {
	case lyra.AnyVersion:
		q = b.query(ctx, c, "INSERT INTO %s.objects (key, data, meta, version, updated) VALUES (?, ?, ?, ?, ?);",
			key, obj.Data, obj.Metadata, token.String(), now)
		if err := q.Exec(); err != nil {
			return "", classify(err)
		}
	case lyra.NoVersion:
		q = b.query(ctx, c, "INSERT INTO %s.objects (key, data, meta, version, updated) VALUES (?, ?, ?, ?, ?) IF NOT EXISTS;",
			key, obj.Data, obj.Metadata, token.String(), now)
		if err := applyCAS(q); err != nil {
			return "", err
		}
	default:
		q = b.query(ctx, c, "UPDATE %s.objects SET data = ?, meta = ?, version = ?, updated = ? WHERE key = ? IF version = ?;",
			obj.Data, obj.Metadata, token.String(), now, key, string(expected))
		if err := applyCAS(q); err != nil {
			return "", err
		}
	}
	if obj.LeaseOnly {
		return lyra.VersionToken(token.String()), nil
	}
	if err := b.appendVersion(ctx, key, token.String(), now, obj, false); err != nil {
		return "", err
	}
	return lyra.VersionToken(token.String()), nil
}

// Delete implements lyra.Backend.
func (b *Backend) Delete(ctx context.Context, key string, expected lyra.VersionToken) error {
	c := b.conn.ConsistencyBook.Delete
	switch expected {
	case lyra.NoVersion:
		_, found, err := b.Get(ctx, key)
		if err != nil {
			return err
		}
		if found {
			return lyra.ErrVersionConflict
		}
		return nil
	case lyra.AnyVersion:
		err := applyCAS(b.query(ctx, c, "DELETE FROM %s.objects WHERE key = ? IF EXISTS;", key))
		if errors.Is(err, lyra.ErrVersionConflict) {
			return nil
		}
		if err != nil {
			return err
		}
	default:
		if err := applyCAS(b.query(ctx, c, "DELETE FROM %s.objects WHERE key = ? IF version = ?;", key, string(expected))); err != nil {
			return err
		}
	}
	token := gocql.TimeUUID()
	return b.appendVersion(ctx, key, token.String(), versionTime(token), lyra.Object{}, true)
}

// versionTime is the clustering timestamp of a version: the token's own time at the
// millisecond precision Cassandra stores.
func versionTime(token gocql.UUID) time.Time {
	return token.Time().UTC().Truncate(time.Millisecond)
}

// applyCAS executes a lightweight transaction; a condition that did not hold is a
// version conflict.
func applyCAS(q *gocql.Query) error {
	applied, err := q.MapScanCAS(make(map[string]any))
	if err != nil {
		return classify(err)
	}
	if !applied {
		return lyra.ErrVersionConflict
	}
	return nil
}

func (b *Backend) appendVersion(ctx context.Context, key, version string, at time.Time, obj lyra.Object, deleted bool) error {
	err := b.query(ctx, b.conn.ConsistencyBook.History,
		"INSERT INTO %s.object_versions (key, created, version, data, meta, deleted) VALUES (?, ?, ?, ?, ?, ?);",
		key, at, version, obj.Data, obj.Metadata, deleted).Exec()
	return classify(err)
}

// ListVersions implements lyra.Backend. The cursor is the driver's paging state.
func (b *Backend) ListVersions(ctx context.Context, params lyra.ListVersionsParams) (lyra.VersionPage, error) {
	size := params.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	state, err := decodeCursor(params.Cursor)
	if err != nil {
		return lyra.VersionPage{}, err
	}
	stmt, args := versionsQuery(params)
	q := b.query(ctx, b.conn.ConsistencyBook.History, stmt, args...).PageSize(size).PageState(state)
	iter := q.Iter()
	var page lyra.VersionPage
	var vi lyra.VersionInfo
	for n := 0; n < size && iter.Scan(&vi.CreatedAt, &vi.Version, &vi.Deleted); n++ {
		vi.Key = params.Key
		page.Versions = append(page.Versions, vi)
	}
	next := iter.PageState()
	if err := iter.Close(); err != nil {
		return lyra.VersionPage{}, classify(err)
	}
	page.Cursor = encodeCursor(next)
	return page, nil
}

func versionsQuery(params lyra.ListVersionsParams) (string, []any) {
	stmt := "SELECT created, version, deleted FROM %s.object_versions WHERE key = ?"
	args := []any{params.Key}
	if !params.MinDate.IsZero() {
		stmt += " AND created >= ?"
		args = append(args, params.MinDate)
	}
	if !params.MaxDate.IsZero() {
		stmt += " AND created <= ?"
		args = append(args, params.MaxDate)
	}
	if params.SortDescending {
		stmt += " ORDER BY created DESC, version DESC"
	}
	return stmt + ";", args
}

func encodeCursor(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(state)
}

func decodeCursor(cursor string) ([]byte, error) {
	if cursor == "" {
		return nil, nil
	}
	state, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: cursor %q", lyra.ErrMalformedRequest, cursor)
	}
	return state, nil
}

// GetVersion implements lyra.Backend. Version tokens are time UUIDs, so the
// clustering key is recovered from the token itself.
func (b *Backend) GetVersion(ctx context.Context, key string, version string) (lyra.Object, bool, error) {
	id, err := gocql.ParseUUID(version)
	if err != nil || id.Version() != 1 {
		return lyra.Object{}, false, nil
	}
	var obj lyra.Object
	var deleted bool
	obj.UpdatedAt = versionTime(id)
	err = b.query(ctx, b.conn.ConsistencyBook.History,
		"SELECT data, meta, deleted FROM %s.object_versions WHERE key = ? AND created = ? AND version = ?;", key, obj.UpdatedAt, version).
		Scan(&obj.Data, &obj.Metadata, &deleted)
	if errors.Is(err, gocql.ErrNotFound) || deleted {
		return lyra.Object{}, false, nil
	}
	if err != nil {
		return lyra.Object{}, false, classify(err)
	}
	obj.Version = lyra.VersionToken(version)
	return obj, true, nil
}

// classify maps driver errors onto the engine's backend errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gocql.ErrTimeoutNoResponse) || errors.Is(err, gocql.ErrNoConnections) {
		return fmt.Errorf("%w: %v", lyra.ErrThrottled, err)
	}
	var re gocql.RequestError
	if errors.As(err, &re) {
		switch re.Code() {
		case gocql.ErrCodeOverloaded, gocql.ErrCodeUnavailable, gocql.ErrCodeBootstrapping,
			gocql.ErrCodeWriteTimeout, gocql.ErrCodeReadTimeout:
			return fmt.Errorf("%w: %v", lyra.ErrThrottled, err)
		case gocql.ErrCodeCredentials, gocql.ErrCodeUnauthorized:
			return fmt.Errorf("%w: %v", lyra.ErrUnauthorized, err)
		case gocql.ErrCodeSyntax, gocql.ErrCodeInvalid, gocql.ErrCodeConfig:
			return fmt.Errorf("%w: %v", lyra.ErrMalformedRequest, err)
		}
	}
	return err
}
