package lyra

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every error surfaced by the engine. Codes are stable and safe
// to match on.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// KeyNotLoaded means the operation needs a loaded session for the key.
	KeyNotLoaded
	// StoreClosed means the store was closed.
	StoreClosed
	// LoadInProgress means another load of the same key has not finished yet.
	LoadInProgress
	// KeySetMutated means a transaction transform added or removed keys.
	KeySetMutated
	// UsageFailure covers other caller bugs, e.g. a transform that re-entered the store.
	UsageFailure
	// ValidationFailure means a record did not satisfy the schema.
	ValidationFailure
	// LockContention means another owner holds a live lease on the key.
	LockContention
	// LockLost means this process no longer holds the lease it was using.
	LockLost
	// Throttled is a transient backend failure. It never escapes the gateway on its own.
	Throttled
	// RetryExhausted means transient failures persisted past the retry budget.
	RetryExhausted
	// Corruption means stored data failed verification, or a write under a held lease
	// was rejected as stale.
	Corruption
	// StaleVersion means a conditional write presented an outdated version token.
	StaleVersion
	// TransactionInconsistent means a transaction write pass failed after some keys
	// had already been written.
	TransactionInconsistent
	// BackendFatal is a non-retryable backend rejection (authorization, malformed request).
	BackendFatal
	// MigrationFailed means a migration step returned an error.
	MigrationFailed
)

var codeNames = map[ErrorCode]string{
	Unknown:                 "unknown",
	KeyNotLoaded:            "key not loaded",
	StoreClosed:             "store closed",
	LoadInProgress:          "load already in progress",
	KeySetMutated:           "transaction key set mutated",
	UsageFailure:            "usage error",
	ValidationFailure:       "validation failed",
	LockContention:          "lock contention",
	LockLost:                "lock lost",
	Throttled:               "throttled",
	RetryExhausted:          "retries exhausted",
	Corruption:              "corruption",
	StaleVersion:            "stale version",
	TransactionInconsistent: "transaction inconsistent",
	BackendFatal:            "backend rejected request",
	MigrationFailed:         "migration failed",
}

// String returns the stable reason string of the code.
func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is the engine's error type. Code is the matchable kind, Err the cause and
// UserData optional context such as the key or the competing lease owner.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	msg := e.Code.String()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.UserData != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.UserData)
	}
	return msg
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e Error) Unwrap() error {
	return e.Err
}

// Is matches any Error carrying the same code, so the sentinels below work with errors.Is.
func (e Error) Is(target error) bool {
	var t Error
	switch v := target.(type) {
	case Error:
		t = v
	case *Error:
		if v == nil {
			return false
		}
		t = *v
	default:
		return false
	}
	return t.Code == e.Code && t.Err == nil
}

// Sentinels for errors.Is matching.
var (
	ErrKeyNotLoaded            = Error{Code: KeyNotLoaded}
	ErrStoreClosed             = Error{Code: StoreClosed}
	ErrLoadInProgress          = Error{Code: LoadInProgress}
	ErrKeySetMutated           = Error{Code: KeySetMutated}
	ErrUsage                   = Error{Code: UsageFailure}
	ErrValidation              = Error{Code: ValidationFailure}
	ErrLockContention          = Error{Code: LockContention}
	ErrLockLost                = Error{Code: LockLost}
	ErrRetryExhausted          = Error{Code: RetryExhausted}
	ErrCorruption              = Error{Code: Corruption}
	ErrStaleVersion            = Error{Code: StaleVersion}
	ErrTransactionInconsistent = Error{Code: TransactionInconsistent}
	ErrBackendFatal            = Error{Code: BackendFatal}
	ErrMigrationFailed         = Error{Code: MigrationFailed}
)

// NewError builds an Error with a formatted cause.
func NewError(code ErrorCode, format string, args ...any) error {
	return Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// WrapError wraps err under code, keeping err reachable through errors.Is/As.
func WrapError(code ErrorCode, err error, userData any) error {
	return Error{Code: code, Err: err, UserData: userData}
}

// CodeOf returns the code of the outermost Error in err's chain, or Unknown.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// IsFatal reports whether err signals a broken invariant rather than a caller bug or
// a transient condition. Fatal errors are logged at fatal level and never retried.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case Corruption, StaleVersion, TransactionInconsistent, BackendFatal:
		return true
	}
	return false
}
