package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaiterDoneImmediately(t *testing.T) {
	w := Waiter{Interval: 10 * time.Millisecond, Deadline: time.Second}

	calls := 0
	outcome, err := w.Await(context.Background(), "condition", func(ctx context.Context) (bool, error) {
		calls++
		return true, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, 1, calls, "probe should not run again after reporting done")
}

func TestWaiterDoneAfterPolling(t *testing.T) {
	w := Waiter{Interval: 5 * time.Millisecond, Deadline: time.Second}

	calls := 0
	outcome, err := w.Await(context.Background(), "condition", func(ctx context.Context) (bool, error) {
		calls++
		return calls >= 3, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, 3, calls)
}

func TestWaiterProbeError(t *testing.T) {
	w := Waiter{Interval: 5 * time.Millisecond, Deadline: time.Second}

	probeErr := errors.New("guest vanished")
	outcome, err := w.Await(context.Background(), "guest state", func(ctx context.Context) (bool, error) {
		return false, probeErr
	})

	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, probeErr)
	assert.Contains(t, err.Error(), "guest state")
}

func TestWaiterTimeout(t *testing.T) {
	w := Waiter{Interval: 5 * time.Millisecond, Deadline: 25 * time.Millisecond}

	outcome, err := w.Await(context.Background(), "condition", func(ctx context.Context) (bool, error) {
		return false, nil
	})

	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaiterCancelledContext(t *testing.T) {
	w := Waiter{Interval: 5 * time.Millisecond, Deadline: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := w.Await(ctx, "condition", func(ctx context.Context) (bool, error) {
		return false, nil
	})

	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaiterDefaults(t *testing.T) {
	w := NewWaiter()

	assert.Equal(t, 2*time.Second, w.Interval)
	assert.Equal(t, 5*time.Minute, w.Deadline)
}

func TestStorageHasContent(t *testing.T) {
	tests := []struct {
		name     string
		storage  StorageInfo
		kind     string
		expected bool
	}{
		{
			name:     "images present",
			storage:  StorageInfo{Name: "ceph", Content: []string{"images", "rootdir"}},
			kind:     "images",
			expected: true,
		},
		{
			name:     "iso only",
			storage:  StorageInfo{Name: "nfs-iso", Content: []string{"iso"}},
			kind:     "images",
			expected: false,
		},
		{
			name:     "no content list",
			storage:  StorageInfo{Name: "empty"},
			kind:     "images",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.storage.HasContent(tt.kind))
		})
	}
}
