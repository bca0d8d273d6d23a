package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRequiresHandler(t *testing.T) {
	s := NewScheduler(0, nil)
	err := s.AddTask(TaskTypeRetention, "0 0 3 * * *")
	assert.Error(t, err)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(0, nil)
	s.RegisterHandler(TaskTypeRetention, TaskHandlerFunc(func(context.Context) error { return nil }))
	assert.Error(t, s.AddTask(TaskTypeRetention, "every night"))
	assert.Error(t, s.AddConfigured(map[string]string{"unknown_job": "0 0 3 * * *"}))
}

func TestSchedulerRunNow(t *testing.T) {
	s := NewScheduler(time.Second, nil)
	var runs int32
	s.RegisterHandler(TaskTypeRetention, TaskHandlerFunc(func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		if atomic.AddInt32(&runs, 1) > 1 {
			return errors.New("store unavailable")
		}
		return nil
	}))
	require.NoError(t, s.AddConfigured(map[string]string{"retention_cleanup": "0 0 3 * * *"}))

	require.NoError(t, s.RunNow(context.Background(), TaskTypeRetention))
	task, err := s.GetTask(TaskTypeRetention)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, task.Status)
	assert.False(t, task.LastRunTime.IsZero())

	assert.Error(t, s.RunNow(context.Background(), TaskTypeRetention))
	task, err = s.GetTask(TaskTypeRetention)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.Equal(t, "store unavailable", task.Error)

	assert.Error(t, s.RunNow(context.Background(), TaskType("missing")))
}

func TestSchedulerRunsOnSchedule(t *testing.T) {
	s := NewScheduler(0, nil)
	var runs int32
	s.RegisterHandler(TaskTypeRetention, TaskHandlerFunc(func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))
	require.NoError(t, s.AddTask(TaskTypeRetention, "* * * * * *"))
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) > 0 }, 3*time.Second, 50*time.Millisecond)

	tasks := s.ListTasks()
	require.Len(t, tasks, 1)
	assert.False(t, tasks[0].NextRunTime.IsZero())
}

func TestSchedulerReplacesSchedule(t *testing.T) {
	s := NewScheduler(0, nil)
	s.RegisterHandler(TaskTypeRetention, TaskHandlerFunc(func(context.Context) error { return nil }))
	require.NoError(t, s.AddTask(TaskTypeRetention, "0 0 3 * * *"))
	require.NoError(t, s.AddTask(TaskTypeRetention, "0 30 4 * * *"))

	tasks := s.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "0 30 4 * * *", tasks[0].Schedule)
}
