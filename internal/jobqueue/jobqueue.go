/*
Package jobqueue provides a River-based job queue that reconciles chat
messages whose durable write failed.

For configuration options and tuning parameters, see queue_config.go.
*/
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"

	"github.com/xpress/internal/sessions"
)

// PersistMessageArgs represents the arguments for a message reconciliation job
type PersistMessageArgs struct {
	Message sessions.Message `json:"message"`
}

// Kind returns the job kind for River
func (PersistMessageArgs) Kind() string {
	return "persist_message"
}

// ReconciledFunc is told about every message a job managed to store.
type ReconciledFunc func(ctx context.Context, msg *sessions.Message)

// PersistMessageWorker re-appends a message. Appends are idempotent by id,
// so a job that already succeeded once is harmless to repeat.
type PersistMessageWorker struct {
	river.WorkerDefaults[PersistMessageArgs]
	store sessions.Store

	mu         sync.RWMutex
	reconciled ReconciledFunc
}

func NewPersistMessageWorker(store sessions.Store) *PersistMessageWorker {
	return &PersistMessageWorker{store: store}
}

// OnReconciled sets the callback run after each successful append.
func (w *PersistMessageWorker) OnReconciled(fn ReconciledFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reconciled = fn
}

func (w *PersistMessageWorker) Work(ctx context.Context, job *river.Job[PersistMessageArgs]) error {
	msg := job.Args.Message
	err := w.store.AppendMessage(ctx, &msg)
	switch {
	case err == nil:
		log.Info().Str("session_id", msg.SessionID).Str("message_id", msg.ID).Msg("Reconciled message")
		w.mu.RLock()
		fn := w.reconciled
		w.mu.RUnlock()
		if fn != nil {
			fn(ctx, &msg)
		}
		return nil
	case errors.Is(err, sessions.ErrEmptyContent), errors.Is(err, sessions.ErrNotFound):
		log.Warn().Err(err).Str("message_id", msg.ID).Msg("Dropping unreconcilable message")
		return river.JobCancel(err)
	default:
		return fmt.Errorf("reconcile message %s: %w", msg.ID, err)
	}
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
	worker *PersistMessageWorker
}

// NewJobQueue creates a new job queue instance
func NewJobQueue(ctx context.Context, databaseURL string, store sessions.Store, config *QueueConfig) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	worker := NewPersistMessageWorker(store)
	workers := river.NewWorkers()
	river.AddWorker(workers, worker)

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:      config.RiverQueueConfig(),
		Workers:     workers,
		MaxAttempts: config.MaxAttempts,
		JobTimeout:  config.JobTimeout,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
		worker: worker,
	}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers and releases the pool
func (jq *JobQueue) Stop(ctx context.Context) error {
	err := jq.client.Stop(ctx)
	jq.pool.Close()
	return err
}

// OnReconciled registers fn to patch in-memory mirrors after a job stores a
// message.
func (jq *JobQueue) OnReconciled(fn ReconciledFunc) {
	jq.worker.OnReconciled(fn)
}

// Enqueue schedules msg for another persistence attempt.
func (jq *JobQueue) Enqueue(ctx context.Context, msg *sessions.Message) error {
	_, err := jq.client.Insert(ctx, PersistMessageArgs{Message: *msg}, nil)
	if err != nil {
		return fmt.Errorf("failed to queue persist message job: %w", err)
	}
	log.Debug().Str("session_id", msg.SessionID).Str("message_id", msg.ID).Msg("Queued message for reconciliation")
	return nil
}

// Migrate applies River's own schema migrations.
func Migrate(ctx context.Context, databaseURL string) error {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to migrate River schema: %w", err)
	}
	for _, v := range res.Versions {
		log.Info().Int("version", v.Version).Msg("Applied River migration")
	}
	return nil
}
