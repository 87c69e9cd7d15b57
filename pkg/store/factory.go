package store

import (
	"context"
	"fmt"
)

// Type names a storage backend.
type Type string

const (
	TypeFS     Type = "fs"
	TypeS3     Type = "s3"
	TypeGCS    Type = "gcs"
	TypeRedis  Type = "redis"
	TypeMemory Type = "memory"
)

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// Config selects and configures a backend.
type Config struct {
	Type  Type
	Dir   string // fs
	S3    S3StoreConfig
	GCS   GCSStoreConfig
	Redis RedisStoreConfig
}

// New builds the configured store. An empty type means fs.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeFS, "":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/records"
		}
		return NewFileStore(dir)
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("store: s3 bucket is required")
		}
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3Store(ctx, cfg.S3)
	case TypeGCS:
		if cfg.GCS.Bucket == "" {
			return nil, fmt.Errorf("store: gcs bucket is required")
		}
		return newGCSStore(ctx, cfg.GCS)
	case TypeRedis:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("store: redis addr is required")
		}
		return NewRedisStore(cfg.Redis), nil
	default:
		return nil, fmt.Errorf("store: unsupported type %q", cfg.Type)
	}
}
