package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/media-forge/internal/auth"
	"github.com/yourusername/media-forge/internal/metrics"
)

// RequestMetrics はルート単位のリクエスト数と処理時間を記録するミドルウェアです。
func RequestMetrics(m metrics.GatewayMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}

// Register はAPIのルーティングを設定します。
func Register(router *gin.Engine, h *Handler, authManager *auth.Manager) {
	router.GET("/health", h.Health)

	admin := router.Group("", authManager.RequireAdmin())
	{
		admin.GET("/metrics", gin.WrapH(metrics.Handler()))
		admin.GET("/api/admin/stats", h.AdminStats)
		admin.POST("/api/admin/sweep", h.AdminSweep)
	}

	api := router.Group("/api", authManager.RequireSession(), authManager.VerifyCSRF())
	{
		api.GET("/session", h.Session)
		api.POST("/session/logout", h.Logout)

		api.POST("/artifacts", h.UploadArtifact)
		api.GET("/artifacts", h.ListArtifacts)
		api.GET("/artifacts/:id", h.GetArtifact)
		api.GET("/artifacts/:id/download", h.DownloadArtifact)
		api.DELETE("/artifacts/:id", h.DeleteArtifact)

		api.POST("/jobs", h.SubmitJob)
		api.GET("/jobs", h.ListJobs)
		api.GET("/jobs/:id", h.GetJob)

		api.POST("/convert", h.Convert)
	}
}
