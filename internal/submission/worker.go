package submission

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"einvoice-gateway/internal/logging"
)

type WorkerConfig struct {
	Interval  time.Duration
	IdleDelay time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:  500 * time.Millisecond,
		IdleDelay: 2 * time.Second,
	}
}

// QueueProcessor is the part of the orchestrator the worker drives.
type QueueProcessor interface {
	ProcessQueue(ctx context.Context) (RunResult, error)
}

// RunWorker polls the queue until ctx is canceled. A pass that claims nothing
// is followed by IdleDelay before the next tick.
func RunWorker(ctx context.Context, p QueueProcessor, cfg WorkerConfig, logger logrus.FieldLogger) {
	def := DefaultWorkerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = def.IdleDelay
	}
	if logger == nil {
		logger = logging.Discard()
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	logger.WithFields(logrus.Fields{"interval": cfg.Interval, "idle_delay": cfg.IdleDelay}).Info("queue worker started")

	for {
		select {
		case <-ctx.Done():
			logger.WithError(ctx.Err()).Info("queue worker stopping")
			return
		case <-ticker.C:
			res, err := p.ProcessQueue(ctx)
			if err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("process queue pass failed")
			}
			if res.Claimed > 0 {
				logger.WithFields(logrus.Fields{
					"claimed":       res.Claimed,
					"completed":     res.Completed,
					"skipped":       res.Skipped,
					"retried":       res.Retried,
					"dead_lettered": res.DeadLettered,
					"released":      res.Released,
				}).Info("queue pass finished")
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.IdleDelay):
			}
		}
	}
}
