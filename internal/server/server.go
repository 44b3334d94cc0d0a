package server

import (
	"fieldops-patrol/internal/auth"
	"fieldops-patrol/internal/config"
	"fieldops-patrol/internal/db"
	"fieldops-patrol/internal/patrol"
	"fieldops-patrol/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Server struct {
	App    *fiber.App
	Cfg    config.Config
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Stream *stream.Hub
	Log    zerolog.Logger
}

func NewServer(cfg config.Config, pool *pgxpool.Pool, redisClient *redis.Client, log zerolog.Logger) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	var store *stream.Store
	if pool != nil {
		store = stream.NewStore(pool)
	}

	var limiter stream.Limiter
	if redisClient != nil {
		limiter = stream.NewRedisLimiter(redisClient, cfg.RateLimitMax, cfg.RateLimitWindow)
	} else {
		limiter = stream.NewMemoryLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	}

	s := &Server{
		App:   app,
		Cfg:   cfg,
		DB:    pool,
		Redis: redisClient,
		Log:   log,
		Stream: stream.NewHub(stream.HubOptions{
			Redis:         redisClient,
			Store:         store,
			Limiter:       limiter,
			BatchInterval: cfg.BatchInterval,
			Logger:        log,
		}),
	}

	registerRoutes(s)
	return s
}

// Close stops the stream hub loops.
func (s *Server) Close() {
	s.Stream.Close()
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	var querier db.Querier
	if s.DB != nil {
		querier = s.DB
	}
	authSvc := auth.NewService(s.Cfg.JWTSecret, querier)
	jwtMiddleware := auth.JWTMiddleware(authSvc)

	auth.RegisterRoutes(s.App.Group("/auth"), authSvc)
	patrol.RegisterRoutes(s.App.Group("/rounds"), patrol.NewService(querier), jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream, auth.QueryTokenMiddleware(authSvc), jwtMiddleware)
}
