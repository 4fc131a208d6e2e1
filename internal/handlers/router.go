package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Brownie44l1/cardio-api/internal/config"
	"github.com/Brownie44l1/cardio-api/internal/pipeline"
	"github.com/Brownie44l1/cardio-api/internal/storage"
)

// NewRouter wires every route behind request logging, panic recovery and the CORS allow-list.
func NewRouter(h *Handler, corsCfg config.CORSConfig, logger *slog.Logger) (*gin.Engine, error) {
	cc := corsConfig(corsCfg)
	if err := cc.Validate(); err != nil {
		return nil, fmt.Errorf("cors: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestLogger(logger))
	r.Use(gin.CustomRecovery(func(c *gin.Context, p any) {
		logger.Error("http.panic", "path", c.Request.URL.Path, "panic", p)
		c.AbortWithStatusJSON(http.StatusInternalServerError, pipeline.ErrorBody{Error: pipeline.CodeInternal.Message()})
	}))
	r.Use(cors.New(cc))

	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.POST("/upload", h.Upload)
	r.OPTIONS("/upload", h.Preflight)
	r.GET("/results/:name", h.Artifact(storage.CategoryResult))
	r.GET("/uploads/:name", h.Artifact(storage.CategoryUpload))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, pipeline.ErrorBody{Error: "not found"})
	})
	return r, nil
}

func corsConfig(c config.CORSConfig) cors.Config {
	cc := cors.Config{
		AllowMethods: c.Methods,
		AllowHeaders: c.Headers,
		MaxAge:       12 * time.Hour,
	}
	if slices.Contains(c.Origins, "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = c.Origins
	}
	return cc
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("http.request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"bytes", c.Writer.Size(),
			"client", c.ClientIP(),
			"took", time.Since(start),
		)
	}
}
