package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sharedcode/lyra"
	"github.com/sharedcode/lyra/migration"
	"github.com/sharedcode/lyra/schema"
)

// SaveMode selects when Update writes to the backend.
type SaveMode int

const (
	// Immediate writes on every successful Update.
	Immediate SaveMode = iota
	// Deferred commits Update to the cache and leaves the write to autosave, Save or Unload.
	Deferred
)

func (m SaveMode) String() string {
	if m == Deferred {
		return "deferred"
	}
	return "immediate"
}

// ParseSaveMode maps "immediate" or "deferred" (any case) to a SaveMode.
func ParseSaveMode(s string) (SaveMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "immediate":
		return Immediate, nil
	case "deferred":
		return Deferred, nil
	}
	return Immediate, fmt.Errorf("unknown save mode %q", s)
}

// Default timings.
const (
	DefaultLockTTL              = 90 * time.Second
	DefaultAutosaveInterval     = 30 * time.Second
	DefaultCloseTimeout         = 30 * time.Second
	DefaultMaxTransformDuration = 10 * time.Second
	DefaultVersionCacheSize     = 256
	defaultSchedulerWorkers     = 16
)

// ChangedCallback is called after a committed change of key with copies of the new
// and the previous record.
type ChangedCallback[T any] func(key string, newRecord, oldRecord *T)

// Options configures a Store.
type Options[T any] struct {
	// Name namespaces the store's keys in the backend. Required.
	Name string
	// Template seeds keys that were never written. It is deep copied for each key.
	Template *T
	// Schema validates every record after load and after every transform.
	Schema schema.Validator[T]
	// MigrationSteps upgrade stored records on load, in TargetVersion order.
	MigrationSteps []migration.Step
	// ImportLegacyData is asked for the data of a key that was never written. A nil
	// map falls back to Template. Imported data is migrated from version 0.
	ImportLegacyData func(ctx context.Context, key string) (map[string]any, error)

	// Backend is the key-value service. UseMock substitutes an in-memory backend.
	Backend lyra.Backend
	UseMock bool

	ChangedCallbacks []ChangedCallback[T]
	// LogCallback receives the store's log records at LogLevel and above. Without
	// it the store logs to Logger, or slog.Default().
	LogCallback lyra.LogCallback
	LogLevel    slog.Leveler
	Logger      *slog.Logger
	// OnLockLost is called once per session whose lease was taken over. The key is
	// unloaded by then.
	OnLockLost func(key string, err error)

	LockTTL time.Duration
	// RenewInterval defaults to a third of LockTTL.
	RenewInterval    time.Duration
	AutosaveInterval time.Duration
	LockAttempts     int
	// LockWait makes Load wait up to this long for a lease held by another owner.
	LockWait     time.Duration
	CloseTimeout time.Duration
	// MaxTransformDuration aborts transforms that run longer. Negative disables the check.
	MaxTransformDuration time.Duration
	// MaxWriteSize overrides the backend's reported write limit.
	MaxWriteSize int
	SaveMode     SaveMode
	// DisableReferenceProtection skips deep copies on Get, Peek and callbacks.
	// Callers must then treat returned records as read only.
	DisableReferenceProtection bool
	Retry                      lyra.RetryPolicy
	// OwnerID identifies this process in leases. Defaults to a random UUID.
	OwnerID string
	// VersionCacheSize bounds the decoded historical versions kept for ReadVersion.
	VersionCacheSize int
}

func (o *Options[T]) normalize() error {
	if o.Name == "" {
		return lyra.NewError(lyra.UsageFailure, "store name is required")
	}
	if o.Backend == nil && !o.UseMock {
		return lyra.NewError(lyra.UsageFailure, "store %q has no backend", o.Name)
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.RenewInterval <= 0 || o.RenewInterval >= o.LockTTL {
		o.RenewInterval = o.LockTTL / 3
	}
	if o.AutosaveInterval <= 0 {
		o.AutosaveInterval = DefaultAutosaveInterval
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.MaxTransformDuration == 0 {
		o.MaxTransformDuration = DefaultMaxTransformDuration
	}
	if o.VersionCacheSize <= 0 {
		o.VersionCacheSize = DefaultVersionCacheSize
	}
	if o.OwnerID == "" {
		o.OwnerID = lyra.NewUUID().String()
	}
	return nil
}

func (o *Options[T]) logger() *slog.Logger {
	var l *slog.Logger
	switch {
	case o.LogCallback != nil:
		l = slog.New(lyra.NewCallbackHandler(o.LogCallback, o.LogLevel))
	case o.Logger != nil:
		l = o.Logger
	default:
		l = slog.Default()
	}
	return l.With("store", o.Name)
}
