package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/paper-convert/internal/config"
	"github.com/yourusername/paper-convert/internal/convert"
	"github.com/yourusername/paper-convert/internal/jobs"
	"github.com/yourusername/paper-convert/internal/storage"
)

// application はサーバーとCLIが共有するジョブ関連の部品です。
type application struct {
	manager *jobs.Manager
	store   *storage.Local
	redis   *redis.Client
	logger  *zap.SugaredLogger
}

func setupJobs(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*application, error) {
	store, err := storage.NewLocal(cfg.UploadDir, cfg.OutputDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare storage")
	}

	app := &application{store: store, logger: logger}

	var dispatcher jobs.Dispatcher
	switch cfg.DispatchMode {
	case config.DispatchQueue:
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse redis url")
		}
		app.redis = redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = app.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			app.redis.Close()
			return nil, errors.Wrap(err, "failed to connect to redis")
		}

		queue, err := jobs.NewQueueDispatcher(cfg.QueueRedisURL, cfg.MaxWorkers, cfg.ConversionTimeout(), logger)
		if err != nil {
			app.redis.Close()
			return nil, err
		}
		dispatcher = queue
	default:
		dispatcher = jobs.NewLocalDispatcher(cfg.MaxWorkers)
	}

	opts := jobs.Options{
		MaxFileSize:       cfg.MaxFileSize,
		MaxPages:          cfg.MaxPages,
		ConversionTimeout: cfg.ConversionTimeout(),
		Retention:         cfg.JobRetention(),
		ResultBaseURL:     cfg.JobResultBaseURL,
	}
	if cfg.S3.Enabled() {
		objects, err := storage.NewS3Store(ctx, cfg.S3)
		if err != nil {
			// ミラーは任意機能なので起動は続ける
			logger.Warnw("object storage disabled", "error", err)
		} else {
			opts.Objects = objects
			opts.PresignExpiry = time.Duration(cfg.S3.PresignMinutes) * time.Minute
			logger.Infow("mirroring results to object storage", "bucket", cfg.S3.Bucket)
		}
	}

	engine := convert.NewCommandEngine(cfg.SofficePath)
	manager, err := jobs.NewManager(opts, store, engine, dispatcher, logger.Named("jobs"))
	if err != nil {
		app.closeRedis()
		return nil, err
	}
	if err := manager.StartWorkers(); err != nil {
		app.closeRedis()
		return nil, errors.Wrap(err, "failed to start workers")
	}
	app.manager = manager
	return app, nil
}

// close はワーカーを止め、Redis 接続を閉じます。
func (a *application) close(ctx context.Context) {
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			a.logger.Warnw("job manager shutdown failed", "error", err)
		}
	}
	a.closeRedis()
}

func (a *application) closeRedis() {
	if a.redis == nil {
		return
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Warnw("failed to close redis client", "error", err)
	}
	a.redis = nil
}

// ping はキュー用 Redis の疎通を確認します。ローカル実行時は常に nil です。
func (a *application) ping(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Ping(ctx).Err()
}
