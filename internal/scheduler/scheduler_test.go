package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/modelrelay/modelrelay/internal/store"
)

// actsRef is a nil *Activities pointer used to create bound method references
// for Temporal mock registration. The SDK only uses reflection to extract the
// method name — no actual method body runs.
var actsRef *Activities

func newTestSink(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedLogs(t *testing.T, s *store.SQLiteStore, ages ...time.Duration) {
	t.Helper()
	for i, age := range ages {
		rec := &store.RequestLog{
			TraceID:        "trace",
			RequestedModel: "gpt-4",
			CreatedAt:      time.Now().UTC().Add(-age),
		}
		require.NoError(t, s.AppendLog(context.Background(), rec), "record %d", i)
	}
}

func TestNextRun(t *testing.T) {
	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		now  time.Time
		hour int
		want time.Time
	}{
		{"before hour", base.Add(1 * time.Hour), 3, base.Add(3 * time.Hour)},
		{"exactly at hour", base.Add(3 * time.Hour), 3, base.Add(27 * time.Hour)},
		{"after hour", base.Add(5 * time.Hour), 3, base.Add(27 * time.Hour)},
		{"midnight run", base.Add(12 * time.Hour), 0, base.Add(24 * time.Hour)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, nextRun(tc.now, tc.hour))
		})
	}
}

func TestCleanerRunOnce(t *testing.T) {
	s := newTestSink(t)
	seedLogs(t, s, 40*24*time.Hour, 31*24*time.Hour, 2*24*time.Hour)

	c := NewCleaner(s, Config{RetentionDays: 30, CleanupHour: 3}, nil)
	deleted, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)

	// Second sweep over the same window is a no-op.
	deleted, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 0, deleted)

	left, err := s.ListLogs(context.Background(), store.LogFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
}

func TestCleanerRunStopsOnCancel(t *testing.T) {
	s := newTestSink(t)
	c := NewCleaner(s, Config{RetentionDays: 30, CleanupHour: 3}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestCleanupLogsActivity(t *testing.T) {
	s := newTestSink(t)
	seedLogs(t, s, 45*24*time.Hour, time.Hour)

	acts := NewActivities(s)
	out, err := acts.CleanupLogs(context.Background(), RetentionInput{RetentionDays: 30})
	require.NoError(t, err)
	require.EqualValues(t, 1, out.Deleted)
}

func TestRetentionWorkflow(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivity(actsRef.CleanupLogs)

	env.OnActivity(actsRef.CleanupLogs, mock.Anything, RetentionInput{RetentionDays: 30}).
		Return(RetentionOutput{Deleted: 12}, nil)

	env.ExecuteWorkflow(RetentionWorkflow, RetentionInput{RetentionDays: 30})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out RetentionOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.EqualValues(t, 12, out.Deleted)
	env.AssertExpectations(t)
}

func TestRetentionWorkflowPropagatesFailure(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterActivity(actsRef.CleanupLogs)

	env.OnActivity(actsRef.CleanupLogs, mock.Anything, mock.Anything).
		Return(RetentionOutput{}, context.DeadlineExceeded)

	env.ExecuteWorkflow(RetentionWorkflow, RetentionInput{RetentionDays: 30})

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}
