package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"repoviz/internal/config"
	"repoviz/internal/repository/kv"
)

// openRemote builds the remote tier of the summary cache for the configured
// backend.
func openRemote(ctx context.Context, cfg *config.Config, log *zap.Logger) (kv.Store, error) {
	sc := cfg.Store
	switch strings.ToLower(strings.TrimSpace(sc.Backend)) {
	case "", "memory":
		log.Info("summary store: in-memory", zap.Int("max_entries", sc.MaxEntries))
		return kv.NewMemoryStore(sc.MaxEntries), nil
	case "redis":
		st, err := kv.NewRedisStore(kv.RedisConfig{URL: sc.RedisURL})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis store: %w", err)
		}
		log.Info("summary store: redis")
		return st, nil
	case "postgres":
		st, err := kv.NewPostgresStore(ctx, kv.PostgresConfig{DSN: sc.DatabaseURL, Table: sc.Table})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		log.Info("summary store: postgres", zap.String("table", sc.Table))
		return st, nil
	case "s3":
		st, err := kv.NewS3Store(kv.S3Config{
			Endpoint:  sc.S3.Endpoint,
			Region:    sc.S3.Region,
			AccessKey: sc.S3.AccessKey,
			SecretKey: sc.S3.SecretKey,
			Bucket:    sc.S3.Bucket,
			Prefix:    sc.S3.Prefix,
			UseSSL:    sc.S3.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 store: %w", err)
		}
		log.Info("summary store: s3", zap.String("bucket", sc.S3.Bucket), zap.String("endpoint", sc.S3.Endpoint))
		return st, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
}
