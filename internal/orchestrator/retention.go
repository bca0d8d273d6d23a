package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authrisk/internal/logger"
	"authrisk/internal/monitoring"
	"authrisk/internal/store"
)

// RetentionJob deletes retained kinds older than the retention period.
// Trusted devices are never expired by retention.
type RetentionJob struct {
	store   store.Store
	days    int
	kinds   []store.Kind
	metrics *monitoring.Metrics
	log     logger.Logger
	now     func() time.Time
}

// NewRetentionJob creates the cleanup job for store.RetainedKinds
func NewRetentionJob(st store.Store, retentionDays int, metrics *monitoring.Metrics, log logger.Logger) (*RetentionJob, error) {
	if retentionDays < 1 {
		return nil, fmt.Errorf("retention_days 必须大于0: %d", retentionDays)
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &RetentionJob{
		store:   st,
		days:    retentionDays,
		kinds:   store.RetainedKinds,
		metrics: metrics,
		log:     log.WithField("component", "retention"),
		now:     time.Now,
	}, nil
}

// Handle implements TaskHandler
func (j *RetentionJob) Handle(ctx context.Context) error {
	_, err := j.Run(ctx)
	return err
}

// Run deletes expired records per kind. A failing kind does not stop the others.
func (j *RetentionJob) Run(ctx context.Context) (map[store.Kind]int64, error) {
	cutoff := j.now().AddDate(0, 0, -j.days)
	deleted := make(map[store.Kind]int64, len(j.kinds))

	var errs []error
	for _, kind := range j.kinds {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := j.store.Delete(ctx, store.Filter{Kind: kind, Until: cutoff})
		if err != nil {
			j.log.Error("Retention cleanup failed", "kind", kind, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		deleted[kind] = n
		j.metrics.RecordRetention(string(kind), n)
		if n > 0 {
			j.log.Info("Expired records deleted", "kind", kind, "deleted", n, "cutoff", cutoff)
		}
	}
	return deleted, errors.Join(errs...)
}
