package main

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/paper-convert/internal/config"
	"github.com/yourusername/paper-convert/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func runServe(parent context.Context) error {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	logger, err := logging.New(cfg.LogJSON || cfg.GinMode == gin.ReleaseMode, cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer func() { _ = logger.Sync() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := setupJobs(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	router.Use(cors.New(corsConfig(cfg)))
	setupRoutes(router, app, cfg, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("starting API server", "addr", server.Addr, "mode", cfg.GinMode, "dispatch", cfg.DispatchMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		app.close(context.Background())
		return errors.Wrap(err, "failed to start server")
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http server shutdown failed", "error", err)
	}
	app.close(shutdownCtx)
	return nil
}

// corsConfig は許可オリジン設定から CORS 設定を作ります。
func corsConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.DefaultConfig()
	origins := make([]string, 0)
	for _, origin := range strings.Split(cfg.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	corsCfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	// ブラウザからダウンロード名を読めるように公開する
	corsCfg.ExposeHeaders = []string{"Content-Disposition", "X-Job-Id"}
	return corsCfg
}

// requestLogger は gin のアクセスログを zap に流します。
func requestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugw("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
