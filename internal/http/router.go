package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/saker-ai/voice-client/internal/storage"
	"github.com/saker-ai/voice-client/pkg/xiaozhi"
)

// Controller is the part of the client the control API drives.
type Controller interface {
	Status() any
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	Detect(ctx context.Context, text string) error
	Abort(ctx context.Context, reason string) error
}

// Options represents a options.
type Options struct {
	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	// CaptionsDir and DeviceDir locate caption transcripts. An empty
	// CaptionsDir disables the /captions routes.
	CaptionsDir string
	DeviceDir   string
}

type detectRequest struct {
	Text string `json:"text"`
}

type abortRequest struct {
	Reason string `json:"reason"`
}

// NewRouter builds the local control API.
func NewRouter(ctrl Controller, opts Options, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctrl.Status())
	})

	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	router.POST("/listen/start", func(c *gin.Context) {
		respond(c, ctrl.StartListening(c.Request.Context()))
	})
	router.POST("/listen/stop", func(c *gin.Context) {
		respond(c, ctrl.StopListening(c.Request.Context()))
	})
	router.POST("/detect", func(c *gin.Context) {
		var req detectRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		respond(c, ctrl.Detect(c.Request.Context(), req.Text))
	})
	router.POST("/abort", func(c *gin.Context) {
		var req abortRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		respond(c, ctrl.Abort(c.Request.Context(), req.Reason))
	})

	if opts.CaptionsDir != "" {
		mountCaptions(router, opts.CaptionsDir, opts.DeviceDir)
	}

	return router
}

func mountCaptions(router *gin.Engine, baseDir string, deviceDir string) {
	router.GET("/captions", func(c *gin.Context) {
		c.JSON(http.StatusOK, storage.ListTranscripts(baseDir, deviceDir))
	})
	router.GET("/captions/:uid", func(c *gin.Context) {
		entries, err := storage.GetTranscript(baseDir, deviceDir, c.Param("uid"))
		switch {
		case errors.Is(err, storage.ErrInvalidName):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusNotFound, gin.H{"error": "transcript not found"})
		default:
			c.JSON(http.StatusOK, entries)
		}
	})
	router.DELETE("/captions/:uid", func(c *gin.Context) {
		if !storage.DeleteTranscript(baseDir, deviceDir, c.Param("uid")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "transcript not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})
}

func respond(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, xiaozhi.ErrNoSession):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, xiaozhi.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		if logger == nil {
			return
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", latency),
		)
	}
}
