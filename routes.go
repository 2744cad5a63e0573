package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"entity-resolvers/config"
	"entity-resolvers/services"
	"entity-resolvers/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" || c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func setupRouter(cfg *config.Config, runner *services.Runner, log *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "categories": runner.Categories()})
	})

	setupRunRoutes(router, runner, log)
	setupIDRoutes(router, runner, log)
	return router
}

func setupRunRoutes(router *gin.Engine, runner *services.Runner, log *zap.Logger) {
	rg := router.Group("/runs")

	// Startet eine Kategorie im Hintergrund; ein laufender Lauf liefert 409.
	rg.POST("/:category", func(c *gin.Context) {
		var req struct {
			Modules []string `json:"modules"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}
		category := strings.ToUpper(c.Param("category"))
		err := runner.Start(context.Background(), category, req.Modules, func(_ []services.StepReport, err error) {
			if err != nil {
				log.Error("Triggered pipeline failed", zap.String("category", category), zap.Error(err))
			}
		})
		var ce *config.ConfigurationError
		switch {
		case errors.Is(err, services.ErrRunInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		case errors.As(err, &ce):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "started", "category": category, "modules": req.Modules})
	})

	rg.GET("/", func(c *gin.Context) {
		if runner.Ledger == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no ledger configured"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		runs, err := runner.Ledger.RecentRuns(c.Request.Context(), limit)
		if err != nil {
			log.Error("Database query for runs failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, runs)
	})
}

func setupIDRoutes(router *gin.Engine, runner *services.Runner, log *zap.Logger) {
	// GET /ids/:step?key=... oder ?id=... liest die ID-Map des ids-Schritts.
	router.GET("/ids/:step", func(c *gin.Context) {
		_, st, ok := runner.Pipelines.FindStep(c.Param("step"))
		if !ok || st.Kind != config.KindIDs {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown ids step"})
			return
		}
		key, id := c.Query("key"), c.Query("id")
		if (key == "") == (id == "") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of key or id is required"})
			return
		}
		store, err := storage.Load(st.IDs.IDMapFile)
		if err != nil {
			log.Error("Loading id map failed", zap.String("path", st.IDs.IDMapFile), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "id map unavailable"})
			return
		}
		if id != "" {
			k, ok := store.KeyFor(id)
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "id not found"})
				return
			}
			key = k
		}
		e, ok := store.Entry(key)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"entity":    st.IDs.Entity,
			"key":       e.Key,
			"id":        e.ID,
			"createdAt": stamp(e.CreatedAt),
			"updatedAt": stamp(e.UpdatedAt),
		})
	})
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
