package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/api/handlers"
	"github.com/kbdoc/backend/internal/blob/minio"
	"github.com/kbdoc/backend/internal/classify"
	"github.com/kbdoc/backend/internal/crawl"
	"github.com/kbdoc/backend/internal/ingestion"
	"github.com/kbdoc/backend/internal/lifecycle"
	"github.com/kbdoc/backend/internal/metrics"
	"github.com/kbdoc/backend/internal/middleware/ratelimit"
	"github.com/kbdoc/backend/internal/middleware/security"
	"github.com/kbdoc/backend/internal/middleware/validation"
	"github.com/kbdoc/backend/internal/queue/redis"
	"github.com/kbdoc/backend/internal/storage/sqlite"
	"github.com/kbdoc/backend/internal/taskqueue"
	"github.com/kbdoc/backend/internal/vector"
	"github.com/kbdoc/backend/internal/vector/milvus"
	"github.com/kbdoc/backend/internal/vector/qdrant"
	"github.com/kbdoc/backend/pkg/config"
	appLogger "github.com/kbdoc/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting document lifecycle API server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	blobStore, err := minio.NewClient(
		cfg.Minio.Endpoint,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.Region,
		cfg.Minio.UseSSL,
	)
	if err != nil {
		appLogger.Fatal("Failed to create MinIO client", zap.Error(err))
	}

	index, err := newIndex(cfg)
	if err != nil {
		appLogger.Fatal("Failed to create search index client", zap.Error(err))
	}
	defer index.Close()

	queueClient, err := redis.NewClient(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Queue.MaxLen,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer queueClient.Close()

	queue := taskqueue.New(taskqueue.Config{Stream: cfg.Queue.Stream}, sqliteClient, queueClient, blobStore)
	renderer := crawl.NewClient(cfg.Crawl.ConverterURL, cfg.Crawl.UserAgent, time.Duration(cfg.Crawl.TimeoutSec)*time.Second)
	classifier := classify.New()

	svc := lifecycle.New(lifecycle.Deps{
		Registry:    sqliteClient,
		Blobs:       blobStore,
		Index:       index,
		Queue:       queue,
		Classifier:  classifier,
		Thumbnailer: classifier,
		Renderer:    renderer,
		IndexPrefix: cfg.Index.Prefix,
		Limits: lifecycle.Limits{
			MaxFilesPerKB: cfg.Upload.MaxFilesPerKB,
			MaxFileSize:   int64(cfg.Upload.MaxFileSize),
		},
	})
	processor := ingestion.NewProcessor(sqliteClient, index, cfg.Index.Prefix)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Limits.RequestsPerMinute,
		Logger:               appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID, X-Tenant-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Use(limiter.Middleware())
	api.Use(validation.Middleware(validation.Config{
		PathPrefix:    "/api/v1/documents",
		MaxUploadSize: cfg.Server.BodyLimit,
		Logger:        appLogger.Named("validation"),
	}))

	handlers.NewDocumentHandler(svc).RegisterRoutes(api.Group("/documents"))
	handlers.NewWorkerHandler(processor).RegisterRoutes(api.Group("/worker"))

	progress := handlers.NewProgressHandler(svc, time.Second)
	api.Get("/ws/progress/:doc_id", handlers.Upgrade, websocket.New(progress.HandleConnection))

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		checks := fiber.Map{}
		ready := true
		for name, ping := range map[string]func(context.Context) error{
			"registry": sqliteClient.Ping,
			"blob":     blobStore.Health,
			"queue":    queueClient.Ping,
		} {
			if err := ping(ctx); err != nil {
				checks[name] = err.Error()
				ready = false
				continue
			}
			checks[name] = "ok"
		}

		if !ready {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready", "checks": checks})
		}
		return c.JSON(fiber.Map{"status": "ready", "checks": checks})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}

func newIndex(cfg *config.Config) (vector.Index, error) {
	switch cfg.Index.Backend {
	case "qdrant":
		return qdrant.NewClient(cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.APIKey, cfg.Qdrant.UseTLS, cfg.Index.VectorDim)
	default:
		return milvus.NewClient(context.Background(), cfg.Milvus.Endpoint, cfg.Milvus.Username, cfg.Milvus.Password, cfg.Index.VectorDim)
	}
}
