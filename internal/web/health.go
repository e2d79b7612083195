package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DatabaseProbe reports on the vault's backing store.
type DatabaseProbe interface {
	Ping(ctx context.Context) error
	ServerVersion(ctx context.Context) (string, error)
}

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version string
	Commit  string
}

const probeTimeout = 3 * time.Second

// MountHealthRoutes registers /health, /health/ready and /version.
func MountHealthRoutes(router gin.IRouter, probe DatabaseProbe, build BuildInfo, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	router.GET("/health", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/health/ready", func(contextGin *gin.Context) {
		ctx, cancel := context.WithTimeout(contextGin.Request.Context(), probeTimeout)
		defer cancel()
		if err := probe.Ping(ctx); err != nil {
			logger.Warn("health.ready.failed", zap.String("code", "health.database_unreachable"), zap.Error(err))
			contextGin.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "database": "unreachable"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok", "database": "ok"})
	})

	router.GET("/version", func(contextGin *gin.Context) {
		ctx, cancel := context.WithTimeout(contextGin.Request.Context(), probeTimeout)
		defer cancel()
		databaseVersion, err := probe.ServerVersion(ctx)
		if err != nil {
			logger.Warn("version.database_failed", zap.Error(err))
			databaseVersion = "unknown"
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"version":  build.Version,
			"commit":   build.Commit,
			"database": databaseVersion,
		})
	})
}
