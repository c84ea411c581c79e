package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ctbui/ticketd/internal/config"
	"github.com/ctbui/ticketd/internal/domain"
	"github.com/ctbui/ticketd/internal/finalizer"
	"github.com/ctbui/ticketd/internal/queue"
	"github.com/ctbui/ticketd/internal/storage"
	"github.com/ctbui/ticketd/shared/cloudwatch"
	"github.com/ctbui/ticketd/shared/logger"
	"github.com/ctbui/ticketd/shared/paramstore"
	"github.com/ctbui/ticketd/shared/postgresql"
	"github.com/ctbui/ticketd/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("FINALIZER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/finalizer-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.AWS.ParameterStore.Enabled {
		if err := applyParameterOverrides(cfg); err != nil {
			return fmt.Errorf("failed to resolve parameters: %w", err)
		}
	}

	if err := cfg.ValidateFinalizer(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting finalizer service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Initialize metrics
	metrics, err := initMetrics(&cfg.AWS, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// Wire the finalizer against the dead-letter destination
	store := storage.NewStore(dbClient, appLogger.Logger)
	jobQueue := queue.NewAMQPQueue(rabbitClient, appLogger.Logger)

	fin, err := finalizer.New(&finalizer.Config{
		Store:   store,
		Queue:   jobQueue,
		Metrics: metrics,
		Logger:  appLogger.Logger,

		QueueName:        cfg.RabbitMQ.DeadLetter.Queue,
		ReceiveBatchSize: cfg.Finalizer.ReceiveBatchSize,
		ReceiveWait:      cfg.Finalizer.ReceiveWait,
	})
	if err != nil {
		return fmt.Errorf("failed to create finalizer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- fin.Run(ctx)
	}()

	appLogger.Info("Finalizer service is running",
		slog.String("queue", cfg.RabbitMQ.DeadLetter.Queue),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		appLogger.Info("Shutting down finalizer...")
		cancel()

		select {
		case err = <-done:
		case <-time.After(cfg.Finalizer.ShutdownTimeout):
			appLogger.Error("Finalizer shutdown timed out")
			err = fmt.Errorf("finalizer shutdown timed out after %s", cfg.Finalizer.ShutdownTimeout)
		}
	case err = <-done:
		cancel()
	}

	dbClient.Close()
	rabbitClient.Close()

	if err != nil && err != context.Canceled {
		return err
	}

	appLogger.Info("Finalizer shutdown complete")
	return nil
}

// applyParameterOverrides resolves deployment-owned secrets from SSM
// Parameter Store, overriding whatever the config file carries.
func applyParameterOverrides(cfg *config.Config) error {
	ps, err := paramstore.New(&paramstore.Config{
		Region:   cfg.AWS.Region,
		Prefix:   cfg.AWS.ParameterStore.Prefix,
		Endpoint: cfg.AWS.Endpoint,
	})
	if err != nil {
		return err
	}

	dbPassword, err := ps.GetParameter("database/password")
	if err != nil {
		return err
	}
	cfg.Database.Password = dbPassword

	mqPassword, err := ps.GetParameter("rabbitmq/password")
	if err != nil {
		return err
	}
	cfg.RabbitMQ.Password = mqPassword

	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		VHost:    cfg.VHost,

		ExchangeName: cfg.Exchange.Name,
		ExchangeType: cfg.Exchange.Type,

		QueueName:     cfg.Queue.Name,
		RoutingKey:    cfg.Queue.RoutingKey,
		DeliveryLimit: cfg.Queue.DeliveryLimit,

		DeadLetterExchange:   cfg.DeadLetter.Exchange,
		DeadLetterQueueName:  cfg.DeadLetter.Queue,
		DeadLetterRoutingKey: cfg.DeadLetter.RoutingKey,

		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,

		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,

		PrefetchCount: cfg.Consumer.PrefetchCount,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initMetrics returns a CloudWatch emitter when enabled, no-op otherwise.
func initMetrics(cfg *config.AWSConfig, logger *slog.Logger) (domain.Metrics, error) {
	if !cfg.Metrics.Enabled {
		return domain.NopMetrics{}, nil
	}

	return cloudwatch.New(&cloudwatch.Config{
		Namespace: cfg.Metrics.Namespace,
		Region:    cfg.Region,
		Endpoint:  cfg.Endpoint,
	}, logger)
}
