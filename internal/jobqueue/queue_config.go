/*
Package jobqueue configuration - tunable parameters for the reconciliation queue.

Messages whose first write failed are retried from here. Each job is a single
idempotent append, so retries are safe and jobs are short.

  - Increase MaxWorkers when many sessions fail at once (e.g. after a database
    restart).
  - MaxAttempts bounds how long a message keeps retrying; River backs off
    between attempts.
  - Lower MaxWorkers to reduce database connection usage.
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"

	"github.com/xpress/internal/config"
)

type QueueConfig struct {
	MaxWorkers  int           // concurrent reconcile workers (default: 4)
	MaxAttempts int           // attempts per message before River discards it (default: 25)
	JobTimeout  time.Duration // maximum time a single append may take (default: 30s)
}

func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:  4,
		MaxAttempts: 25,
		JobTimeout:  30 * time.Second,
	}
}

// QueueConfigFrom applies application configuration over the defaults.
func QueueConfigFrom(cfg *config.Config) *QueueConfig {
	qc := DefaultQueueConfig()
	if cfg != nil && cfg.Jobs.MaxWorkers > 0 {
		qc.MaxWorkers = cfg.Jobs.MaxWorkers
	}
	return qc
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
