// Package worker pulls queued job messages and executes them with bounded
// in-process retries, acknowledging only what actually finished.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ctbui/ticketd/internal/domain"
	"github.com/ctbui/ticketd/internal/work"
)

// Config holds worker configuration.
type Config struct {
	Store    domain.Store
	Queue    domain.Queue
	Metrics  domain.Metrics
	Registry *work.Registry
	Logger   *slog.Logger
	Tracer   trace.Tracer

	// QueueName is the destination polled for job messages. Required.
	QueueName string

	// Concurrency is the number of consumer goroutines.
	Concurrency int

	// ReceiveBatchSize and ReceiveWait shape the long poll.
	ReceiveBatchSize int
	ReceiveWait      time.Duration

	// In-process retry engine knobs; zero values take the defaults.
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// delivery pairs a decoded message with the job it refers to.
type delivery struct {
	msg    *domain.JobMessage
	handle uint64
}

// Worker is the processing consumer: a dispatcher long-polls the queue and a
// pool of goroutines runs the jobs. There is no shared mutable job state
// in-process; shutdown is cooperative via the context passed to Start.
type Worker struct {
	store    domain.Store
	queue    domain.Queue
	metrics  domain.Metrics
	registry *work.Registry
	logger   *slog.Logger
	tracer   trace.Tracer

	queueName        string
	concurrency      int
	receiveBatchSize int
	receiveWait      time.Duration

	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64

	// sleep is swapped out in tests to observe backoff intervals.
	sleep func(ctx context.Context, d time.Duration)

	jobsChan chan *delivery
	wg       sync.WaitGroup
}

// ErrQueueNameRequired is returned when the worker is built without a queue
// destination. This is an unrecoverable startup configuration error.
var ErrQueueNameRequired = errors.New("worker queue name is required")

// NewWorker creates a worker from config, applying retry-engine defaults.
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.QueueName == "" {
		return nil, ErrQueueNameRequired
	}

	w := &Worker{
		store:             cfg.Store,
		queue:             cfg.Queue,
		metrics:           cfg.Metrics,
		registry:          cfg.Registry,
		logger:            cfg.Logger,
		tracer:            cfg.Tracer,
		queueName:         cfg.QueueName,
		concurrency:       cfg.Concurrency,
		receiveBatchSize:  cfg.ReceiveBatchSize,
		receiveWait:       cfg.ReceiveWait,
		maxRetries:        cfg.MaxRetries,
		initialBackoff:    cfg.InitialBackoff,
		maxBackoff:        cfg.MaxBackoff,
		backoffMultiplier: cfg.BackoffMultiplier,
		sleep:             blockingSleep,
	}

	if w.metrics == nil {
		w.metrics = domain.NopMetrics{}
	}
	if w.tracer == nil {
		w.tracer = noop.NewTracerProvider().Tracer("worker")
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.receiveBatchSize <= 0 {
		w.receiveBatchSize = 10
	}
	if w.receiveWait <= 0 {
		w.receiveWait = 20 * time.Second
	}
	if w.maxRetries <= 0 {
		w.maxRetries = DefaultMaxRetries
	}
	if w.initialBackoff <= 0 {
		w.initialBackoff = DefaultInitialBackoff
	}
	if w.maxBackoff <= 0 {
		w.maxBackoff = DefaultMaxBackoff
	}
	if w.backoffMultiplier <= 0 {
		w.backoffMultiplier = DefaultBackoffMultiplier
	}

	w.jobsChan = make(chan *delivery)
	return w, nil
}

// Start spawns the consumer pool and runs the dispatch loop until ctx is
// cancelled, then waits for in-flight jobs to finish. In-flight work is
// never interrupted; cancellation is observed between messages.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.String("queue", w.queueName),
		slog.Int("max_retries", w.maxRetries),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.consumerLoop(ctx, i)
	}

	w.dispatch(ctx)

	close(w.jobsChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
	return nil
}
