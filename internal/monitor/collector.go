// Package monitor tracks collector source health and process resource
// usage. Collector runs are recorded as tasks; a periodic sweep fails
// tasks stuck in running state past their timeout.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/metrics"
	"github.com/t77yq/alert-correlation/internal/model"
	"github.com/t77yq/alert-correlation/internal/storage"
)

// CollectorMonitor records collector runs and sweeps stuck ones
type CollectorMonitor struct {
	logger *zap.Logger
	store  storage.Store
}

// NewCollectorMonitor creates a collector monitor backed by the store
func NewCollectorMonitor(logger *zap.Logger, store storage.Store) *CollectorMonitor {
	return &CollectorMonitor{
		logger: logger.Named("collector-monitor"),
		store:  store,
	}
}

// Track records the start of a collector run
func (m *CollectorMonitor) Track(ctx context.Context, sourceID string, timeout time.Duration) (*model.CollectorTask, error) {
	now := time.Now().UTC()
	task := &model.CollectorTask{
		TaskID:    "COLLECT-" + uuid.New().String(),
		SourceID:  sourceID,
		Status:    model.CollectorTaskStatusRunning,
		StartedAt: now,
		UpdatedAt: now,
		Timeout:   timeout,
	}
	if err := m.store.SaveCollectorTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to track collector run: %w", err)
	}
	return task, nil
}

// Complete records the outcome of a collector run
func (m *CollectorMonitor) Complete(ctx context.Context, task *model.CollectorTask, runErr error) error {
	task.UpdatedAt = time.Now().UTC()
	if runErr != nil {
		task.Status = model.CollectorTaskStatusError
		task.Message = runErr.Error()
	} else {
		task.Status = model.CollectorTaskStatusSuccess
	}
	if err := m.store.UpdateCollectorTask(ctx, task); err != nil {
		return fmt.Errorf("failed to complete collector run: %w", err)
	}
	return nil
}

// Sweep fails tasks stuck in running state past their timeout
func (m *CollectorMonitor) Sweep(ctx context.Context, now time.Time) error {
	stuck, err := m.store.ListStuckCollectorTasks(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list stuck collector tasks: %w", err)
	}

	for _, task := range stuck {
		task.Status = model.CollectorTaskStatusError
		task.Message = fmt.Sprintf("timed out after %s", task.Timeout)
		task.UpdatedAt = now
		if err := m.store.UpdateCollectorTask(ctx, task); err != nil {
			m.logger.Error("Failed to fail stuck collector task",
				zap.String("task_id", task.TaskID),
				zap.Error(err))
			continue
		}
		metrics.CollectorTasksTimedOut.Inc()
		m.logger.Warn("Collector task timed out",
			zap.String("task_id", task.TaskID),
			zap.String("source_id", task.SourceID),
			zap.Duration("timeout", task.Timeout))
	}
	return nil
}
