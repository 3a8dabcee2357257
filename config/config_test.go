package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sharedcode/lyra"
	"github.com/sharedcode/lyra/bolt"
	"github.com/sharedcode/lyra/inmemory"
	"github.com/sharedcode/lyra/store"
)

const sample = `
backend:
  type: Redis
  redis:
    address: cache:6379
    key_prefix: wallets
  cassandra:
    cluster_hosts: [c1, c2]
    keyspace: game
    consistency: LOCAL_QUORUM
store:
  lock_ttl: 45s
  autosave_interval: 1m
  lock_attempts: 4
  save_mode: deferred
  log_level: debug
  retry:
    base_delay: 20ms
    max_attempts: 3
`

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if doc.Backend.Type != Redis {
		t.Fatalf("type = %q, want %q", doc.Backend.Type, Redis)
	}
	if doc.Backend.Redis == nil || doc.Backend.Redis.Address != "cache:6379" || doc.Backend.Redis.KeyPrefix != "wallets" {
		t.Fatalf("redis section = %+v", doc.Backend.Redis)
	}
	if doc.Backend.Cassandra == nil || doc.Backend.Cassandra.Keyspace != "game" || doc.Backend.Cassandra.Consistency != "LOCAL_QUORUM" {
		t.Fatalf("cassandra section = %+v", doc.Backend.Cassandra)
	}
	if diff := cmp.Diff([]string{"c1", "c2"}, doc.Backend.Cassandra.ClusterHosts); diff != "" {
		t.Fatalf("cluster hosts mismatch (-want +got):\n%s", diff)
	}
	want := StoreSettings{
		LockTTL:          45 * time.Second,
		AutosaveInterval: time.Minute,
		LockAttempts:     4,
		SaveMode:         "deferred",
		LogLevel:         "debug",
		Retry:            &lyra.RetryPolicy{BaseDelay: 20 * time.Millisecond, MaxAttempts: 3},
	}
	if diff := cmp.Diff(want, doc.Store); diff != "" {
		t.Fatalf("store settings mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_JSONAndDefaults(t *testing.T) {
	doc, err := Parse([]byte(`{"backend": {"max_write_size": 1024}, "store": {"lock_ttl": "2m"}}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if doc.Backend.Type != Memory || doc.Backend.MaxWriteSize != 1024 {
		t.Fatalf("backend = %+v", doc.Backend)
	}
	if doc.Store.LockTTL != 2*time.Minute {
		t.Fatalf("lock_ttl = %v", doc.Store.LockTTL)
	}
	if _, err := Parse([]byte("backend: [")); !errors.Is(err, lyra.ErrUsage) {
		t.Fatalf("malformed document should be a usage error, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lyra.yaml")
	if err := os.WriteFile(path, []byte(sample), 0600); err != nil {
		t.Fatal(err)
	}
	doc, err := Load(path)
	if err != nil || doc.Backend.Type != Redis {
		t.Fatalf("Load = %+v,%v", doc.Backend, err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}

func TestApply(t *testing.T) {
	opts := store.Options[struct{}]{Name: "n", LockAttempts: 9, OwnerID: "keep"}
	s := StoreSettings{
		LockTTL:  30 * time.Second,
		SaveMode: "Deferred",
		LogLevel: "trace",
		Retry:    &lyra.RetryPolicy{MaxAttempts: 2},
	}
	if err := Apply(s, &opts); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if opts.LockTTL != 30*time.Second || opts.SaveMode != store.Deferred || opts.Retry.MaxAttempts != 2 {
		t.Fatalf("options = %+v", opts)
	}
	if opts.LockAttempts != 9 || opts.OwnerID != "keep" {
		t.Fatalf("zero settings overwrote options: %+v", opts)
	}
	if opts.LogLevel.Level() != lyra.LevelTrace {
		t.Fatalf("log level = %v", opts.LogLevel)
	}
	if opts.LogLevel.Level() >= slog.LevelDebug {
		t.Fatalf("trace should be below debug")
	}

	if err := Apply(StoreSettings{SaveMode: "later"}, &opts); !errors.Is(err, lyra.ErrUsage) {
		t.Fatalf("bad save mode should be a usage error, got %v", err)
	}
	if err := Apply(StoreSettings{LogLevel: "loud"}, &opts); !errors.Is(err, lyra.ErrUsage) {
		t.Fatalf("bad log level should be a usage error, got %v", err)
	}
}

func TestOpen_MemoryAndBolt(t *testing.T) {
	ctx := context.Background()
	b, closer, err := Open(ctx, BackendConfig{Type: Memory, MaxWriteSize: 64})
	if err != nil {
		t.Fatalf("Open memory failed: %v", err)
	}
	if _, ok := b.(*inmemory.Backend); !ok || lyra.MaxWriteSizeOf(b) != 64 {
		t.Fatalf("memory backend = %T", b)
	}
	closer.Close()

	path := filepath.Join(t.TempDir(), "lyra.db")
	b, closer, err = Open(ctx, BackendConfig{Type: Bolt, Bolt: &bolt.Config{Path: path}})
	if err != nil {
		t.Fatalf("Open bolt failed: %v", err)
	}
	if _, err := b.Set(ctx, "k", lyra.Object{Data: []byte("v")}, lyra.NoVersion); err != nil {
		t.Fatalf("Set on bolt failed: %v", err)
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	cases := []BackendConfig{
		{Type: "etcd"},
		{Type: Bolt},
		{Type: Cassandra},
		{Type: S3},
	}
	for _, c := range cases {
		if _, _, err := Open(ctx, c); !errors.Is(err, lyra.ErrUsage) {
			t.Fatalf("Open(%q) should be a usage error, got %v", c.Type, err)
		}
	}
}

func TestRegister(t *testing.T) {
	called := false
	Register("custom", func(context.Context, BackendConfig) (lyra.Backend, io.Closer, error) {
		called = true
		return inmemory.New(0), nopCloser, nil
	})
	defer func() {
		registryLocker.Lock()
		delete(registry, "custom")
		registryLocker.Unlock()
	}()
	if _, _, err := Open(context.Background(), BackendConfig{Type: "custom"}); err != nil || !called {
		t.Fatalf("custom factory not used: %v", err)
	}
}
