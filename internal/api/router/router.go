package router

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"labflow/config"
	"labflow/internal/api/handler"
	"labflow/internal/api/middleware"
	"labflow/internal/model"
	"labflow/pkg/jwt"
	"labflow/pkg/redis"
)

// Setup 初始化并返回 Gin 路由引擎；rdb 可为 nil（黑名单与限流降级）
func Setup(cfg *config.Config, h *handler.Handler, jwtMgr *jwt.Manager, rdb *redis.Client, logger *zap.Logger) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	r := gin.New()

	// ── 全局中间件 ──
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Server.CORS.AllowOrigins))
	r.Use(middleware.BodyLimit(cfg.Server.MaxBodyBytes))

	// ── 健康检查 ──
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// *redis.Client 为 nil 时不能直接赋给接口
	var revoked middleware.RevocationChecker
	if rdb != nil {
		revoked = rdb
	}
	bulkLimit := middleware.RateLimit(rdb, cfg.Server.RateLimit.Requests, cfg.Server.RateLimit.Window)

	// ── API v1 ──
	v1 := r.Group("/api/v1")
	{
		// 认证模块（无需认证）
		auth := v1.Group("/auth")
		{
			auth.POST("/login", h.Auth.Login)
			auth.POST("/refresh", h.Auth.RefreshToken)
		}

		// 需要认证的路由
		authorized := v1.Group("")
		authorized.Use(middleware.JWTAuth(jwtMgr, revoked))
		{
			authorized.POST("/auth/logout", h.Auth.Logout)
			authorized.GET("/auth/me", h.Auth.GetCurrentUser)

			// 事件模块
			events := authorized.Group("/events")
			{
				events.GET("", h.Event.ListEvents)
				events.POST("", h.Event.CreateEvent)
				events.GET("/:id", h.Event.GetEvent)
				events.PUT("/:id", h.Event.UpdateEvent)
				events.POST("/:id/validate", middleware.RoleAuth(model.RoleOperator, model.RoleAdmin), h.Event.ValidateEvent)
				events.POST("/:id/cancel", h.Event.CancelEvent)
				events.POST("/:id/recompute", h.Event.Recompute)
				events.PUT("/:id/planning", h.Planning.SavePlanning)
				events.POST("/:id/slots/actions", bulkLimit, h.Slot.ApplyBulkAction)
				events.GET("/:id/export.xlsx", h.Export.ExportXLSX)
				events.GET("/:id/export.ics", h.Export.ExportICS)
			}

			// 时段模块
			authorized.POST("/slots/:id/actions", h.Slot.ApplyAction)
		}
	}

	return r
}
