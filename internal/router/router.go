// Package router 提供路由注册
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/securitize-io/dstoken-sub004/internal/handler"
	"github.com/securitize-io/dstoken-sub004/internal/middleware"
)

// New 创建 gin 引擎并注册中间件与路由
func New(health *handler.HealthHandler, auth *handler.AuthorizationHandler) *gin.Engine {
	engine := gin.New()

	// 中间件链: Recovery → Trace → Logger → Metrics
	engine.Use(
		middleware.Recovery(),
		middleware.Trace(),
		middleware.Logger(),
		middleware.Metrics(),
	)

	engine.GET("/health/live", health.Live)
	engine.GET("/health/ready", health.Ready)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/api/v1")
	{
		authorizations := v1.Group("/authorizations")
		authorizations.POST("", auth.CreateAuthorization)
		authorizations.GET("", auth.ListAuthorizations)
		authorizations.GET("/:id", auth.GetAuthorization)
		authorizations.POST("/:id/submit", auth.SubmitAuthorization)
		authorizations.POST("/:id/refresh", auth.RefreshAuthorization)

		v1.POST("/preapprovals", auth.CreatePreApproval)
		v1.POST("/digests", auth.ComputeDigest)
	}

	return engine
}
