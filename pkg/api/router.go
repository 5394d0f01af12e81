package api

import (
	"github.com/gin-gonic/gin"

	"github.com/LENAX/pipeline-engine/pkg/api/handler"
	"github.com/LENAX/pipeline-engine/pkg/api/middleware"
)

// SetupRouter 设置路由
func (s *APIServer) SetupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(middleware.Recovery(s.logger))
	router.Use(middleware.Logger(s.logger))

	healthHandler := handler.NewHealthHandler(s.engine, s.version)

	router.GET("/health", healthHandler.Health)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/pipelines", s.runs.ListPipelines)

		runs := v1.Group("/runs")
		{
			runs.GET("", s.runs.List)
			runs.POST("", s.runs.Trigger)
			runs.GET("/:id", s.runs.Get)
			runs.POST("/:id/cancel", s.runs.Cancel)
		}

		if s.events != nil {
			v1.GET("/events", s.events.Stream)
		}
	}
	return router
}
