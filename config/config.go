// Package config loads backend selection and store settings from YAML or JSON
// documents and opens the configured backend.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"gopkg.in/yaml.v3"

	"github.com/sharedcode/lyra"
	"github.com/sharedcode/lyra/aws_s3"
	"github.com/sharedcode/lyra/bolt"
	"github.com/sharedcode/lyra/cassandra"
	"github.com/sharedcode/lyra/inmemory"
	"github.com/sharedcode/lyra/redis"
	"github.com/sharedcode/lyra/store"
)

// BackendType names a registered backend factory.
type BackendType string

const (
	Memory    BackendType = "memory"
	Bolt      BackendType = "bolt"
	Redis     BackendType = "redis"
	Cassandra BackendType = "cassandra"
	S3        BackendType = "s3"
)

// CassandraConfig adds the fields of cassandra.Config that have no text form.
type CassandraConfig struct {
	cassandra.Config `yaml:",inline"`
	// Consistency is a gocql consistency name, e.g. "LOCAL_QUORUM".
	Consistency string `yaml:"consistency"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// S3Config adds bucket provisioning to aws_s3.Config.
type S3Config struct {
	aws_s3.Config `yaml:",inline"`
	// CreateBucket creates the bucket and enables versioning on open.
	CreateBucket bool `yaml:"create_bucket"`
}

// BackendConfig selects one backend. Only the section matching Type is read.
type BackendConfig struct {
	Type BackendType `yaml:"type"`
	// MaxWriteSize applies to the memory backend.
	MaxWriteSize int              `yaml:"max_write_size"`
	Bolt         *bolt.Config     `yaml:"bolt"`
	Redis        *redis.Options   `yaml:"redis"`
	Cassandra    *CassandraConfig `yaml:"cassandra"`
	S3           *S3Config        `yaml:"s3"`
}

// StoreSettings are the store.Options fields that can be set from a document.
// Zero values keep the store defaults.
type StoreSettings struct {
	LockTTL              time.Duration     `yaml:"lock_ttl"`
	RenewInterval        time.Duration     `yaml:"renew_interval"`
	AutosaveInterval     time.Duration     `yaml:"autosave_interval"`
	LockAttempts         int               `yaml:"lock_attempts"`
	LockWait             time.Duration     `yaml:"lock_wait"`
	CloseTimeout         time.Duration     `yaml:"close_timeout"`
	MaxTransformDuration time.Duration     `yaml:"max_transform_duration"`
	MaxWriteSize         int               `yaml:"max_write_size"`
	VersionCacheSize     int               `yaml:"version_cache_size"`
	SaveMode             string            `yaml:"save_mode"`
	LogLevel             string            `yaml:"log_level"`
	OwnerID              string            `yaml:"owner_id"`
	Retry                *lyra.RetryPolicy `yaml:"retry"`
}

// Document is the root of a configuration file.
type Document struct {
	Backend BackendConfig `yaml:"backend"`
	Store   StoreSettings `yaml:"store"`
}

// Parse decodes a YAML or JSON document. Durations are strings such as "90s".
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, lyra.NewError(lyra.UsageFailure, "invalid configuration: %v", err)
	}
	doc.Backend.Type = BackendType(strings.ToLower(strings.TrimSpace(string(doc.Backend.Type))))
	if doc.Backend.Type == "" {
		doc.Backend.Type = Memory
	}
	return doc, nil
}

// Load reads and parses the document at path.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}
	return Parse(data)
}

// Apply copies the non-zero settings onto opts.
func Apply[T any](s StoreSettings, opts *store.Options[T]) error {
	setDuration(&opts.LockTTL, s.LockTTL)
	setDuration(&opts.RenewInterval, s.RenewInterval)
	setDuration(&opts.AutosaveInterval, s.AutosaveInterval)
	setDuration(&opts.LockWait, s.LockWait)
	setDuration(&opts.CloseTimeout, s.CloseTimeout)
	setDuration(&opts.MaxTransformDuration, s.MaxTransformDuration)
	if s.LockAttempts > 0 {
		opts.LockAttempts = s.LockAttempts
	}
	if s.MaxWriteSize > 0 {
		opts.MaxWriteSize = s.MaxWriteSize
	}
	if s.VersionCacheSize > 0 {
		opts.VersionCacheSize = s.VersionCacheSize
	}
	if s.OwnerID != "" {
		opts.OwnerID = s.OwnerID
	}
	if s.SaveMode != "" {
		m, err := store.ParseSaveMode(s.SaveMode)
		if err != nil {
			return lyra.NewError(lyra.UsageFailure, "%v", err)
		}
		opts.SaveMode = m
	}
	if s.LogLevel != "" {
		l, ok := lyra.ParseLevel(s.LogLevel)
		if !ok {
			return lyra.NewError(lyra.UsageFailure, "unknown log level %q", s.LogLevel)
		}
		opts.LogLevel = l
	}
	if s.Retry != nil {
		opts.Retry = *s.Retry
	}
	return nil
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// Factory opens a backend from its configuration. The returned closer releases
// what the backend holds open and is never nil.
type Factory func(ctx context.Context, cfg BackendConfig) (lyra.Backend, io.Closer, error)

var (
	registryLocker sync.Mutex
	registry       = map[BackendType]Factory{
		Memory:    openMemory,
		Bolt:      openBolt,
		Redis:     openRedis,
		Cassandra: openCassandra,
		S3:        openS3,
	}
)

// Register adds or replaces the factory for a backend type.
func Register(t BackendType, f Factory) {
	registryLocker.Lock()
	defer registryLocker.Unlock()
	registry[t] = f
}

// Open creates the backend named by cfg.Type.
func Open(ctx context.Context, cfg BackendConfig) (lyra.Backend, io.Closer, error) {
	registryLocker.Lock()
	f, ok := registry[cfg.Type]
	registryLocker.Unlock()
	if !ok {
		return nil, nil, lyra.NewError(lyra.UsageFailure, "unknown backend type %q", cfg.Type)
	}
	return f(ctx, cfg)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var nopCloser = closerFunc(func() error { return nil })

func missing(t BackendType) error {
	return lyra.NewError(lyra.UsageFailure, "backend %q has no %s section", t, t)
}

func openMemory(_ context.Context, cfg BackendConfig) (lyra.Backend, io.Closer, error) {
	return inmemory.New(cfg.MaxWriteSize), nopCloser, nil
}

func openBolt(_ context.Context, cfg BackendConfig) (lyra.Backend, io.Closer, error) {
	if cfg.Bolt == nil || cfg.Bolt.Path == "" {
		return nil, nil, lyra.NewError(lyra.UsageFailure, "bolt backend needs a path")
	}
	b, err := bolt.Open(*cfg.Bolt)
	if err != nil {
		return nil, nil, err
	}
	return b, b, nil
}

func openRedis(_ context.Context, cfg BackendConfig) (lyra.Backend, io.Closer, error) {
	opts := redis.DefaultOptions()
	if cfg.Redis != nil {
		if cfg.Redis.Address != "" {
			opts.Address = cfg.Redis.Address
		}
		if cfg.Redis.KeyPrefix != "" {
			opts.KeyPrefix = cfg.Redis.KeyPrefix
		}
		opts.Password = cfg.Redis.Password
		opts.DB = cfg.Redis.DB
		opts.MaxWriteSize = cfg.Redis.MaxWriteSize
		opts.TLSConfig = cfg.Redis.TLSConfig
	}
	conn := redis.OpenConnection(opts)
	return redis.NewBackend(conn), closerFunc(redis.CloseConnection), nil
}

func openCassandra(_ context.Context, cfg BackendConfig) (lyra.Backend, io.Closer, error) {
	if cfg.Cassandra == nil || len(cfg.Cassandra.ClusterHosts) == 0 {
		return nil, nil, missing(Cassandra)
	}
	c := cfg.Cassandra.Config
	if cfg.Cassandra.Consistency != "" {
		cl, err := gocql.ParseConsistencyWrapper(cfg.Cassandra.Consistency)
		if err != nil {
			return nil, nil, lyra.NewError(lyra.UsageFailure, "cassandra consistency: %v", err)
		}
		c.Consistency = cl
	}
	if cfg.Cassandra.Username != "" {
		c.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Cassandra.Username,
			Password: cfg.Cassandra.Password,
		}
	}
	conn, err := cassandra.OpenConnection(c)
	if err != nil {
		return nil, nil, err
	}
	return cassandra.NewBackend(conn), closerFunc(func() error {
		cassandra.CloseConnection()
		return nil
	}), nil
}

func openS3(ctx context.Context, cfg BackendConfig) (lyra.Backend, io.Closer, error) {
	if cfg.S3 == nil {
		return nil, nil, missing(S3)
	}
	client := aws_s3.Connect(cfg.S3.Config)
	if cfg.S3.CreateBucket {
		if err := aws_s3.EnsureBucket(ctx, client, cfg.S3.Bucket, cfg.S3.Region); err != nil {
			return nil, nil, err
		}
	}
	b, err := aws_s3.NewBackend(client, cfg.S3.Config)
	if err != nil {
		return nil, nil, err
	}
	return b, nopCloser, nil
}
