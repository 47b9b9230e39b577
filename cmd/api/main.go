package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/courierhq/email-courier/internal/breaker"
	"github.com/courierhq/email-courier/internal/config"
	"github.com/courierhq/email-courier/internal/domain"
	"github.com/courierhq/email-courier/internal/handler"
	"github.com/courierhq/email-courier/internal/infra/postgresql"
	"github.com/courierhq/email-courier/internal/infra/postgresql/migrations"
	infraredis "github.com/courierhq/email-courier/internal/infra/redis"
	"github.com/courierhq/email-courier/internal/mailer"
	"github.com/courierhq/email-courier/internal/observability"
	"github.com/courierhq/email-courier/internal/queue"
	"github.com/courierhq/email-courier/internal/report"
	"github.com/courierhq/email-courier/internal/repository"
	"github.com/courierhq/email-courier/internal/service"
	"github.com/courierhq/email-courier/internal/template"
	"github.com/courierhq/email-courier/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("email-courier exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rabbit.Close()

	metrics := observability.NewMetrics()

	records := repository.NewGormRecordRepo(db)

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		return fmt.Errorf("rate limiter initialization failed: %w", err)
	}

	breakerHook := func(name string, _, to breaker.State) {
		logger.Warn("breaker state changed",
			zap.String("dependency", name),
			zap.String("state", to.String()))
		metrics.SetBreakerState(name, to.String())
	}
	templateBreaker := breaker.New("template",
		breaker.WithFailureThreshold(3),
		breaker.WithResetTimeout(30*time.Second),
		breaker.WithExclude(func(err error) bool { return errors.Is(err, domain.ErrValidation) }),
		breaker.WithStateChangeHook(breakerHook),
	)
	transportBreaker := breaker.New("smtp",
		breaker.WithFailureThreshold(5),
		breaker.WithResetTimeout(60*time.Second),
		breaker.WithExclude(func(err error) bool { return errors.Is(err, domain.ErrValidation) }),
		breaker.WithStateChangeHook(breakerHook),
	)

	sender, err := mailer.NewSMTPSender(mailer.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.EmailFrom,
	})
	if err != nil {
		return fmt.Errorf("smtp sender initialization failed: %w", err)
	}

	templates := template.NewClient(cfg.TemplateServiceURL)

	var reporter report.Reporter = report.NopReporter{}
	if cfg.StatusCallbackURL != "" {
		reporter = report.NewHTTPReporter(cfg.StatusCallbackURL)
	}

	publisher := queue.NewRabbitMQPublisher(rabbit)
	deadLetters := queue.NewRabbitMQDeadLetterPublisher(rabbit)
	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.WorkerConcurrency, logger)

	orchestrator := service.NewOrchestrator(
		records,
		templates,
		templateBreaker,
		transportBreaker,
		sender,
		deadLetters,
		reporter,
		logger,
	)
	worker := service.NewWorkerScheduler(consumer, orchestrator, limiter, metrics, logger, cfg.WorkerConcurrency)
	scanner := service.NewRetryScanner(records, publisher, logger)
	ingest := service.NewIngestService(records, publisher, logger)

	app := fiber.New(fiber.Config{
		AppName:      "email-courier",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	api := app.Group("/api")
	if err := handler.RegisterNotificationRoutes(api, ingest); err != nil {
		return fmt.Errorf("route registration failed: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("email-courier api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down api server")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})
	g.Go(func() error {
		return worker.Run(ctx)
	})
	g.Go(func() error {
		return scanner.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("email-courier stopped")
	return nil
}
