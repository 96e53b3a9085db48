package api

import (
	"github.com/gin-gonic/gin"
	"github.com/nodeglade/dnscore/internal/api/handlers"
	"github.com/nodeglade/dnscore/internal/api/middleware"
	"github.com/nodeglade/dnscore/internal/config"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/nodeglade/dnscore/internal/api/docs" // swagger docs
)

func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg *config.Config) {
	// Swagger UI at /swagger/*
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := r.Group("/api/v1")

	// Optional API key protection.
	if cfg != nil && cfg.API.APIKey != "" {
		api.Use(middleware.RequireAPIKey(cfg.API.APIKey))
	}

	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
	api.GET("/keys", h.Keys)
	api.GET("/events", h.Events)
	api.POST("/spf/check", h.SPFCheck)
}
