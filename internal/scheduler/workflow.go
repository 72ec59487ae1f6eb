package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/modelrelay/modelrelay/internal/store"
)

const (
	cleanupActivityTimeout   = time.Minute
	retentionWorkflowTimeout = 5 * time.Minute
	retentionWorkflowID      = "modelrelay-log-retention"
)

// RetentionInput parameterizes one retention run.
type RetentionInput struct {
	RetentionDays int `json:"retention_days"`
}

// RetentionOutput reports what a run deleted.
type RetentionOutput struct {
	Deleted int64 `json:"deleted"`
}

// Activities hold the sink-bound activity implementations.
type Activities struct {
	sink store.LogSink
}

func NewActivities(sink store.LogSink) *Activities {
	return &Activities{sink: sink}
}

// CleanupLogs deletes records older than the retention window. The delete is
// idempotent, so Temporal's activity retries are safe.
func (a *Activities) CleanupLogs(ctx context.Context, input RetentionInput) (RetentionOutput, error) {
	cutoff := time.Now().AddDate(0, 0, -input.RetentionDays)
	deleted, err := a.sink.DeleteLogsOlderThan(ctx, cutoff)
	if err != nil {
		return RetentionOutput{}, fmt.Errorf("delete logs older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return RetentionOutput{Deleted: deleted}, nil
}

// RetentionWorkflow runs one retention sweep. It is started on a daily cron
// schedule; a failed run is covered by the next one.
func RetentionWorkflow(ctx workflow.Context, input RetentionInput) (RetentionOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: cleanupActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var out RetentionOutput
	if err := workflow.ExecuteActivity(ctx, (*Activities).CleanupLogs, input).Get(ctx, &out); err != nil {
		return RetentionOutput{}, err
	}
	return out, nil
}

// TemporalConfig holds Temporal connection settings.
type TemporalConfig struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Manager owns the Temporal client and worker lifecycle for the retention
// schedule.
type Manager struct {
	client client.Client
	worker worker.Worker
	cfg    TemporalConfig
}

// NewManager creates a Temporal client and worker, registering the retention
// workflow and its activity.
func NewManager(cfg TemporalConfig, acts *Activities) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(RetentionWorkflow)
	w.RegisterActivity(acts.CleanupLogs)

	return &Manager{client: c, worker: w, cfg: cfg}, nil
}

// Start begins worker polling and installs the daily cron run at hour.
func (m *Manager) Start(ctx context.Context, retentionDays, hour int) error {
	if err := m.worker.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	_, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       retentionWorkflowID,
		TaskQueue:                m.cfg.TaskQueue,
		CronSchedule:             fmt.Sprintf("0 %d * * *", hour),
		WorkflowExecutionTimeout: retentionWorkflowTimeout,
	}, RetentionWorkflow, RetentionInput{RetentionDays: retentionDays})
	var already *serviceerror.WorkflowExecutionAlreadyStarted
	if err != nil && !errors.As(err, &already) {
		return fmt.Errorf("schedule retention workflow: %w", err)
	}
	return nil
}

// Stop gracefully stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}
