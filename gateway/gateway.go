// Package gateway fronts a lyra.Backend with retries, error classification and logging.
// Every engine call to a backend goes through a Gateway.
package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sharedcode/lyra"
)

// Gateway wraps a Backend. It is safe for concurrent use.
type Gateway struct {
	backend lyra.Backend
	policy  lyra.RetryPolicy
	log     *slog.Logger
}

// New returns a Gateway over backend. A nil logger uses slog.Default().
func New(backend lyra.Backend, policy lyra.RetryPolicy, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		backend: backend,
		policy:  policy,
		log:     log.With("component", "gateway"),
	}
}

// Backend returns the wrapped backend.
func (g *Gateway) Backend() lyra.Backend {
	return g.backend
}

// MaxWriteSize returns the backend's per-write size limit.
func (g *Gateway) MaxWriteSize() int {
	return lyra.MaxWriteSizeOf(g.backend)
}

// Get reads key.
func (g *Gateway) Get(ctx context.Context, key string) (lyra.Object, bool, error) {
	var obj lyra.Object
	var found bool
	err := g.do(ctx, "get", key, func(ctx context.Context) error {
		var err error
		obj, found, err = g.backend.Get(ctx, key)
		return err
	})
	return obj, found, err
}

// Set writes obj conditionally on expected. A token mismatch comes back as a
// StaleVersion error and is never retried.
func (g *Gateway) Set(ctx context.Context, key string, obj lyra.Object, expected lyra.VersionToken) (lyra.VersionToken, error) {
	var tok lyra.VersionToken
	err := g.do(ctx, "set", key, func(ctx context.Context) error {
		var err error
		tok, err = g.backend.Set(ctx, key, obj, expected)
		return err
	})
	return tok, err
}

// Delete removes key conditionally on expected.
func (g *Gateway) Delete(ctx context.Context, key string, expected lyra.VersionToken) error {
	return g.do(ctx, "delete", key, func(ctx context.Context) error {
		return g.backend.Delete(ctx, key, expected)
	})
}

// ListVersions pages through key's history.
func (g *Gateway) ListVersions(ctx context.Context, params lyra.ListVersionsParams) (lyra.VersionPage, error) {
	var page lyra.VersionPage
	err := g.do(ctx, "list_versions", params.Key, func(ctx context.Context) error {
		var err error
		page, err = g.backend.ListVersions(ctx, params)
		return err
	})
	return page, err
}

// GetVersion reads one historical version of key.
func (g *Gateway) GetVersion(ctx context.Context, key, version string) (lyra.Object, bool, error) {
	var obj lyra.Object
	var found bool
	err := g.do(ctx, "get_version", key, func(ctx context.Context) error {
		var err error
		obj, found, err = g.backend.GetVersion(ctx, key, version)
		return err
	})
	return obj, found, err
}

func (g *Gateway) do(ctx context.Context, op, key string, task func(context.Context) error) error {
	err := lyra.Retry(ctx, g.policy, task, func(attempt int, err error) {
		lvl := slog.LevelDebug
		if errors.Is(err, lyra.ErrThrottled) {
			lvl = slog.LevelWarn
		}
		g.log.Log(ctx, lvl, "backend call failed, retrying", "op", op, "key", key, "attempt", attempt, "error", err)
	})
	if err == nil {
		return nil
	}
	err = classify(err, key)
	if lyra.CodeOf(err) == lyra.RetryExhausted {
		g.log.Warn("backend retries exhausted", "op", op, "key", key, "error", err)
	} else if lyra.CodeOf(err) == lyra.BackendFatal {
		g.log.Error("backend rejected request", "op", op, "key", key, "error", err)
	}
	return err
}

// classify maps backend sentinels onto engine error codes.
func classify(err error, key string) error {
	var le lyra.Error
	if errors.As(err, &le) {
		return err
	}
	switch {
	case errors.Is(err, lyra.ErrVersionConflict):
		return lyra.WrapError(lyra.StaleVersion, err, key)
	case errors.Is(err, lyra.ErrUnauthorized),
		errors.Is(err, lyra.ErrMalformedRequest),
		errors.Is(err, lyra.ErrPayloadTooLarge):
		return lyra.WrapError(lyra.BackendFatal, err, key)
	}
	return err
}
