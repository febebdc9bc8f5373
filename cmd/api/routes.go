package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/paper-convert/internal/config"
	"github.com/yourusername/paper-convert/internal/jobs"
)

// setupRoutes は API のルーティングを登録します。
func setupRoutes(router *gin.Engine, app *application, cfg *config.Config, logger *zap.SugaredLogger) {
	router.GET("/", handleIndex)
	router.GET("/health", healthHandler(app, cfg))

	api := router.Group("/api")
	{
		api.POST("/convert", jobs.SubmitHandler(app.manager, cfg.MaxFileSize))
		api.GET("/status/:id", jobs.StatusHandler(app.manager))
		api.GET("/download/:id", jobs.DownloadHandler(app.manager))
		api.GET("/conversions", jobs.ListHandler(app.manager))
		api.DELETE("/conversions/:id", jobs.DeleteHandler(app.manager))
		api.GET("/ws", jobs.WebSocketHandler(app.manager, logger.Named("ws")))
	}
}

// handleIndex は利用可能なエンドポイントの一覧を返します。
func handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": gin.H{
			"convert":     "POST /api/convert",
			"status":      "GET /api/status/:id",
			"download":    "GET /api/download/:id",
			"conversions": "GET /api/conversions",
			"delete":      "DELETE /api/conversions/:id",
			"websocket":   "GET /api/ws",
			"health":      "GET /health",
		},
	})
}

// healthHandler はヘルスチェックエンドポイントのハンドラーを返します。
func healthHandler(app *application, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		payload := gin.H{
			"status":   "ok",
			"service":  serviceName,
			"version":  serviceVersion,
			"dispatch": cfg.DispatchMode,
			"jobs":     len(app.manager.List()),
		}
		if err := app.ping(ctx); err != nil {
			app.logger.Warnw("redis health check failed", "error", err)
			payload["status"] = "degraded"
			payload["redis"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, payload)
			return
		}
		c.JSON(http.StatusOK, payload)
	}
}
