// Package app opens the shared dependencies of the fitscan binaries from one Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/config"
	"github.com/ravigill3969/fitscan/backend/credits"
	"github.com/ravigill3969/fitscan/backend/database"
	"github.com/ravigill3969/fitscan/backend/queue"
	"github.com/ravigill3969/fitscan/backend/scans"
	"github.com/ravigill3969/fitscan/backend/storage"
	"github.com/ravigill3969/fitscan/backend/store"
	"github.com/ravigill3969/fitscan/backend/store/fsstore"
	"github.com/ravigill3969/fitscan/backend/store/pgstore"
)

var ErrUnknownBackend = errors.New("unknown store backend")

// Deps are the long-lived clients every binary shares. Close releases them.
type Deps struct {
	Config  *config.Config
	Logger  *zap.Logger
	Store   store.Store
	Redis   *redis.Client
	Queue   *queue.RedisQueue
	Photos  storage.PhotoStore
	Credits *credits.Service
	Scans   *scans.Service
}

// Open connects the store, Redis and photo storage and builds the domain services.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Deps, error) {
	st, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	rdb, err := OpenRedis(ctx, cfg.Redis)
	if err != nil {
		st.Close()
		return nil, err
	}

	photos, err := OpenPhotos(cfg, logger)
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, err
	}

	d := &Deps{
		Config: cfg,
		Logger: logger,
		Store:  st,
		Redis:  rdb,
		Queue:  queue.NewRedisQueue(rdb),
		Photos: photos,
	}
	d.Credits = credits.NewService(st, logger.Named("credits"),
		credits.WithMaxOperationAttempts(cfg.Credits.MaxOperationAttempts))
	d.Scans = scans.NewService(st, d.Credits, photos, d.Queue, d.Queue, logger.Named("scans"), scans.Options{
		MaxPhotoBytes: cfg.Scans.MaxPhotoBytes,
		UploadWorkers: cfg.Scans.UploadWorkers,
	})
	return d, nil
}

func (d *Deps) Close() {
	if err := d.Redis.Close(); err != nil {
		d.Logger.Warn("redis close failed", zap.Error(err))
	}
	if err := d.Store.Close(); err != nil {
		d.Logger.Warn("store close failed", zap.Error(err))
	}
}

// Checks returns the dependency probes served by the health endpoint.
func (d *Deps) Checks() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"redis": func(ctx context.Context) error { return d.Redis.Ping(ctx).Err() },
		"store": func(ctx context.Context) error {
			_, err := d.Store.ListScans(ctx, "healthcheck", 1)
			return err
		},
	}
}

// OpenStore selects the document store named by STORE_BACKEND.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Server.StoreBackend {
	case "postgres":
		db, err := database.ConnectDB(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if cfg.Database.MigrationsAuto {
			if err := database.RunMigrations(db); err != nil {
				db.Close()
				return nil, err
			}
		}
		logger.Info("connected to postgres")
		return pgstore.New(db, logger.Named("pgstore")), nil
	case "firestore":
		st, err := fsstore.New(ctx, cfg.Firestore.ProjectID, cfg.Firestore.CredentialsFile)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to firestore", zap.String("project", cfg.Firestore.ProjectID))
		return st, nil
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Server.StoreBackend)
	}
}

func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return rdb, nil
}

// OpenPhotos returns S3 storage when a bucket is configured. Development falls back to
// process memory; any other environment requires the bucket.
func OpenPhotos(cfg *config.Config, logger *zap.Logger) (storage.PhotoStore, error) {
	if cfg.AWS.Bucket == "" {
		if !cfg.IsDevelopment() {
			return nil, errors.New("AWS_BUCKET_NAME is required")
		}
		logger.Warn("no photo bucket configured, keeping photos in memory")
		return storage.NewMemory(cfg.Server.BackendURL + "/dev-objects"), nil
	}
	sess, err := storage.NewSession(cfg.AWS)
	if err != nil {
		return nil, err
	}
	return storage.NewS3(sess, cfg.AWS.Bucket), nil
}
