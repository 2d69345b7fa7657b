// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package translation_routers

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	translation_api "github.com/rapidaai/translation-gateway/api/translation-api/api"
	internal_calls "github.com/rapidaai/translation-gateway/api/translation-api/internal/calls"
	"github.com/rapidaai/translation-gateway/config"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

// TranslationRoutes wires the call control surface and the WebSocket
// endpoints onto the engine.
func TranslationRoutes(
	cfg *config.AppConfig,
	engine *gin.Engine,
	logger commons.Logger,
	manager *internal_calls.Manager,
	services map[string]string,
) {
	logger.Info("Translation routes added to engine.")

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	engine.Use(cors.New(corsConfig))

	translationApi := translation_api.New(cfg, logger, manager, services)

	engine.GET("/healthz/", translationApi.Healthz)

	apiGroup := engine.Group("/api")
	{
		apiGroup.GET("/test-settings", translationApi.TestSettings)
		apiGroup.GET("/recent-calls", translationApi.RecentCalls)
		apiGroup.POST("/call/create", translationApi.CreateCall)
	}

	engine.GET("/ws", translationApi.SessionSocket)
	engine.GET("/ws/participant", translationApi.ParticipantSocket)
}
