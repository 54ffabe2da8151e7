// Command storedmap-demo runs a small HTTP front end over a storedmap
// Store so the library can be exercised interactively. It defaults to
// the in-process memdriver; set STOREDMAP_REDIS_ADDR to back it with
// Redis instead.
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/semaphore"

	storedmap "github.com/edirooss/storedmap"
	"github.com/edirooss/storedmap/drivers/memdriver"
	"github.com/edirooss/storedmap/drivers/redisdriver"
	"github.com/edirooss/storedmap/pkg/jsonx"
)

// zapLogger logs each request the way the rest of the ecosystem does:
// one structured line per request, leveled by response status.
func zapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// concurrencyLimiter bounds how many requests touch the store at once,
// rejecting the rest with 503 rather than letting the persister's
// worker pool back up unboundedly under load.
func concurrencyLimiter(sem *semaphore.Weighted) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sem.TryAcquire(1) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"message": "too many concurrent requests"})
			return
		}
		defer sem.Release(1)
		c.Next()
	}
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	return zap.Must(logConfig.Build())
}

func buildDriver(ctx context.Context, log *zap.Logger) (storedmap.Driver, error) {
	if addr := os.Getenv("STOREDMAP_REDIS_ADDR"); addr != "" {
		return redisdriver.New(ctx, redisdriver.Options{Addr: addr, Log: log})
	}
	return memdriver.New(storedmap.Limits{}), nil
}

type putRecordReq struct {
	Tree map[string]any `json:"tree"`
	Tags []string       `json:"tags"`
	Sort *float64       `json:"sort"`
}

func main() {
	log := buildLogger().Named("main")
	defer log.Sync()

	binding.EnableDecoderDisallowUnknownFields = true

	ctx := context.Background()
	driver, err := buildDriver(ctx, log)
	if err != nil {
		log.Fatal("driver setup failed", zap.Error(err))
	}

	store, err := storedmap.GetStore(storedmap.Config{"app": "storedmap-demo"}, driver, storedmap.Options{
		Log:             log,
		ApplicationCode: "storedmap-demo",
	})
	if err != nil {
		log.Fatal("store setup failed", zap.Error(err))
	}
	defer store.Close(ctx)

	category, err := store.Category(ctx, "widgets", "en")
	if err != nil {
		log.Fatal("category setup failed", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})

	r.Use(gin.Recovery())
	if os.Getenv("ENV") == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.Use(zapLogger(log))
	r.Use(concurrencyLimiter(semaphore.NewWeighted(64)))

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	r.GET("/api/records/:key", func(c *gin.Context) {
		rec, err := category.Get(c.Request.Context(), c.Param("key"))
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": rec.Key(), "tree": rec.Tree().Flatten()})
	})

	r.GET("/api/records", func(c *gin.Context) {
		keys, err := category.Keys(c.Request.Context(), storedmap.ListFilter{Query: c.Query("q")})
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		c.Header("X-Total-Count", strconv.Itoa(len(keys)))
		c.JSON(http.StatusOK, keys)
	})

	r.PUT("/api/records/:key", func(c *gin.Context) {
		var req putRecordReq
		if err := jsonx.ParseJSONObject(io.Reader(c.Request.Body), &req); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}

		rec, err := category.Get(c.Request.Context(), c.Param("key"))
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}

		if err := rec.Mutate(c.Request.Context(), func(tree *storedmap.OrderedMap) {
			for k, v := range req.Tree {
				tree.Set(k, v)
			}
		}); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		if req.Tags != nil {
			if err := rec.SetTags(c.Request.Context(), req.Tags); err != nil {
				_ = c.Error(err)
				c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
				return
			}
		}
		if req.Sort != nil {
			if err := rec.SetSort(c.Request.Context(), storedmap.SortNumber(*req.Sort)); err != nil {
				_ = c.Error(err)
				c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"key": rec.Key(), "tree": rec.Tree().Flatten()})
	})

	r.DELETE("/api/records/:key", func(c *gin.Context) {
		rec, err := category.Get(c.Request.Context(), c.Param("key"))
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		if err := rec.Remove(c.Request.Context()); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": c.Param("key")})
	})

	httpserver := &http.Server{
		Addr:           "127.0.0.1:8080",
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 15,
		ErrorLog:       zap.NewStdLog(log.Named("http").WithOptions(zap.AddCallerSkip(1))),
	}

	log.Info("running HTTP server on 127.0.0.1:8080")
	if err := httpserver.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", zap.Error(err))
	}
}
