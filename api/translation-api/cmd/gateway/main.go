// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	internal_calls "github.com/rapidaai/translation-gateway/api/translation-api/internal/calls"
	internal_upstream "github.com/rapidaai/translation-gateway/api/translation-api/internal/upstream"
	translation_routers "github.com/rapidaai/translation-gateway/api/translation-api/router"
	"github.com/rapidaai/translation-gateway/config"
	"github.com/rapidaai/translation-gateway/pkg/commons"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to initialize config: %v", err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("invalid application config: %v", err)
	}

	loggerOpts := []commons.LoggerOption{commons.WithLevel(cfg.LogLevel)}
	if cfg.LogFile != "" {
		loggerOpts = append(loggerOpts, commons.WithRotatingFile(cfg.LogFile))
	}
	logger, err := commons.NewApplicationLogger(loggerOpts...)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := internal_calls.NewManager(logger, internal_calls.Config{
		TTL:             time.Duration(cfg.Calls.TTLMinutes) * time.Minute,
		CleanupInterval: time.Duration(cfg.Calls.CleanupIntervalSeconds) * time.Second,
		Upstream: internal_upstream.Config{
			ConnectTimeout:    time.Duration(cfg.Upstream.ConnectTimeoutSeconds) * time.Second,
			ReconnectMinDelay: time.Duration(cfg.Upstream.ReconnectMinDelayMs) * time.Millisecond,
			ReconnectMaxDelay: time.Duration(cfg.Upstream.ReconnectMaxDelayMs) * time.Millisecond,
		},
	})
	manager.StartReaper(ctx)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	// The default service loops calls back into this gateway's own session
	// endpoint.
	services := map[string]string{
		"local": fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Port),
	}
	translation_routers.TranslationRoutes(cfg, engine, logger, manager, services)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	go func() {
		logger.Infof("%s %s listening on %s (provider=%s)", cfg.Name, cfg.Version, server.Addr, cfg.Dispatch.Provider)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("server shutdown: %v", err)
	}
	manager.Shutdown()
	logger.Info("gateway stopped")
}
