package lyra

import (
	"context"
	"time"
)

// VersionToken is the opaque version a backend assigns on every successful write.
// Callers only compare tokens for equality.
type VersionToken string

const (
	// NoVersion as the expected token means "the key must not exist".
	NoVersion VersionToken = ""
	// AnyVersion as the expected token makes a write unconditional. Used for shard keys only.
	AnyVersion VersionToken = "*"
)

// Metadata keys reserved by the engine.
const (
	MetaLease         = "lyra.lease"
	MetaManifest      = "lyra.manifest"
	MetaSchemaVersion = "lyra.schema"
	MetaFormat        = "lyra.format"
	MetaUserIDs       = "lyra.userids"
)

// DefaultMaxWriteSize applies to backends that do not implement WriteLimiter.
const DefaultMaxWriteSize = 4 * 1024 * 1024

// Object is one stored value with its metadata.
type Object struct {
	Data      []byte            `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Version   VersionToken      `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
	// LeaseOnly marks a write that changes nothing but the lease metadata. Backends
	// that keep a version history leave such writes out of it.
	LeaseOnly bool `json:"-"`
}

// Clone returns a deep copy of the object.
func (o Object) Clone() Object {
	c := o
	if o.Data != nil {
		c.Data = append([]byte(nil), o.Data...)
	}
	if o.Metadata != nil {
		c.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Size approximates the bytes a write of this object sends: data plus metadata.
func (o Object) Size() int {
	n := len(o.Data)
	for k, v := range o.Metadata {
		n += len(k) + len(v)
	}
	return n
}

// HasRecord reports whether the object holds a written record, as opposed to
// a placeholder that only carries a lease.
func (o Object) HasRecord() bool {
	return o.Metadata[MetaFormat] != ""
}

// SetMeta sets a metadata entry, allocating the map if needed.
func (o *Object) SetMeta(k, v string) {
	if o.Metadata == nil {
		o.Metadata = make(map[string]string)
	}
	o.Metadata[k] = v
}

// VersionInfo describes one historical version of a key.
type VersionInfo struct {
	Key       string
	Version   string
	CreatedAt time.Time
	Deleted   bool
}

// ListVersionsParams selects a page of a key's version history.
type ListVersionsParams struct {
	Key            string
	SortDescending bool
	// MinDate and MaxDate bound CreatedAt inclusively. Zero means unbounded.
	MinDate  time.Time
	MaxDate  time.Time
	PageSize int
	// Cursor resumes from the previous page. Empty starts at the beginning.
	Cursor string
}

// VersionPage is one page of a version listing. Cursor is empty on the last page.
type VersionPage struct {
	Versions []VersionInfo
	Cursor   string
}

// KeyInfo is the metadata returned with a historical read.
type KeyInfo struct {
	Version   string
	CreatedAt time.Time
	UpdatedAt time.Time
	UserIDs   []string
	Metadata  map[string]string
}

// Backend is the key-value service the engine persists to. Implementations must make
// Set and Delete atomic compare-and-set operations against expected.
type Backend interface {
	// Get returns the current object. found is false if the key does not exist.
	Get(ctx context.Context, key string) (obj Object, found bool, err error)
	// Set writes obj if the key's current token equals expected (or per NoVersion / AnyVersion)
	// and returns the new token. A mismatch returns ErrVersionConflict.
	Set(ctx context.Context, key string, obj Object, expected VersionToken) (VersionToken, error)
	// Delete removes the key under the same rule as Set. Deleting a missing key with
	// AnyVersion is not an error.
	Delete(ctx context.Context, key string, expected VersionToken) error
	// ListVersions pages through the key's history.
	ListVersions(ctx context.Context, params ListVersionsParams) (VersionPage, error)
	// GetVersion reads one historical version.
	GetVersion(ctx context.Context, key string, version string) (obj Object, found bool, err error)
}

// WriteLimiter is implemented by backends that report their per-write size limit.
type WriteLimiter interface {
	MaxWriteSize() int
}

// MaxWriteSizeOf returns b's write limit, or DefaultMaxWriteSize.
func MaxWriteSizeOf(b Backend) int {
	if l, ok := b.(WriteLimiter); ok && l.MaxWriteSize() > 0 {
		return l.MaxWriteSize()
	}
	return DefaultMaxWriteSize
}
