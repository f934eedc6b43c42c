package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/complyhq/compliance-backend/internal/handlers"
)

type RouterConfig struct {
	AnalysisHandler *handlers.AnalysisHandler
	JobsHandler     *handlers.JobsHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5173",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api/analysis")
	{
		api.POST("/mappings/:id/ai-match", cfg.AnalysisHandler.DispatchSingleMatch)
		api.POST("/controls/:id/ai-combined", cfg.AnalysisHandler.DispatchCombinedCoverage)
		api.POST("/documents/:id/ai-map-all", cfg.AnalysisHandler.DispatchBulkMap)
		api.GET("/jobs/:id", cfg.JobsHandler.GetJobByID)
		api.POST("/jobs/:id/cancel", cfg.JobsHandler.CancelJob)
		api.POST("/auto-map", cfg.AnalysisHandler.RunAutoMap)
		api.POST("/gap-refresh", cfg.AnalysisHandler.RefreshGapAnalysis)
	}

	return router
}
