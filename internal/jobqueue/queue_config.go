/*
Package jobqueue configuration - Tunable parameters for the River-based
reconciliation queue.

## Reliability Tuning:
- MaxAttempts bounds retries; after exhausting them a job lands terminal with
  its error retained for the status API. It is never retried indefinitely.
- Backoff starts at BaseDelay and doubles per attempt, capped at MaxDelay.

## Resource Management:
- MaxWorkers is fixed at 1 and must stay 1: the subscription state is a
  single shared resource and two concurrent reconciliations would silently
  discard each other's filter deltas. Serialization is the correctness
  mechanism, not an optimization knob.
- ProviderRatePerMinute bounds provider calls to respect upstream limits.
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/tradewatch/internal/config"
	"github.com/tradewatch/internal/retry"
)

// QueueConfig holds all configurable parameters for the reconciliation queue
type QueueConfig struct {
	// MaxWorkers is the execution concurrency. Always 1; see package comment.
	MaxWorkers int

	// Retry configuration
	MaxAttempts int          // Maximum attempts per job (default: 3)
	Backoff     retry.Config // Exponential backoff between attempts
	JobTimeout  time.Duration

	// Provider call configuration
	ProviderRatePerMinute int
	ProviderTimeout       time.Duration

	// Subscription identity pushed on create/update
	WebhookName string
	CallbackURL string
	Thresholds  ThresholdConfig
}

// ThresholdConfig holds the global thresholds passed through to the provider
type ThresholdConfig struct {
	MinScore     float64
	MinAmountUSD float64
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers: 1,

		MaxAttempts: 3,
		Backoff:     retry.DefaultConfig(),
		JobTimeout:  2 * time.Minute,

		ProviderRatePerMinute: 10,
		ProviderTimeout:       30 * time.Second,

		WebhookName: "Tradewatch webhook",
	}
}

// QueueConfigFromSettings builds the queue configuration from app config
func QueueConfigFromSettings(cfg *config.Config) *QueueConfig {
	qc := DefaultQueueConfig()

	if cfg.Queue.MaxAttempts > 0 {
		qc.MaxAttempts = cfg.Queue.MaxAttempts
	}
	if cfg.Queue.BackoffBase > 0 {
		qc.Backoff.BaseDelay = cfg.Queue.BackoffBase
	}
	if cfg.Queue.BackoffMax > 0 {
		qc.Backoff.MaxDelay = cfg.Queue.BackoffMax
	}
	if cfg.Queue.JobTimeout > 0 {
		qc.JobTimeout = cfg.Queue.JobTimeout
	}
	if cfg.Queue.RatePerMinute > 0 {
		qc.ProviderRatePerMinute = cfg.Queue.RatePerMinute
	}
	if cfg.Provider.Timeout > 0 {
		qc.ProviderTimeout = cfg.Provider.Timeout
	}
	if cfg.Provider.WebhookName != "" {
		qc.WebhookName = cfg.Provider.WebhookName
	}
	qc.CallbackURL = cfg.Provider.CallbackURL
	qc.Thresholds = ThresholdConfig{
		MinScore:     cfg.Provider.MinScore,
		MinAmountUSD: cfg.Provider.MinAmountUSD,
	}

	return qc
}

// QueueName is the single queue all reconciliation jobs run on.
const QueueName = "reconcile"

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		QueueName: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}

// backoffRetryPolicy plugs the retry package's delay schedule into River.
type backoffRetryPolicy struct {
	backoff retry.Config
}

func (p *backoffRetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	return time.Now().Add(retry.Delay(p.backoff, job.Attempt))
}
