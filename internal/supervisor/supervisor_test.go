package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAddWorkerRejectsDuplicateNames(t *testing.T) {
	s := NewSupervisor(zap.NewNop())
	cfg := WorkerConfig{Name: "upstream-poller", Component: "upstream", Detail: "listings"}
	noop := func(ctx context.Context) error { <-ctx.Done(); return nil }

	require.NoError(t, s.AddWorker(cfg, noop))
	assert.Error(t, s.AddWorker(cfg, noop))
}

func TestSupervisorRunsAndStopsWorker(t *testing.T) {
	s := NewSupervisor(zap.NewNop())
	started := make(chan struct{})

	err := s.AddWorker(WorkerConfig{
		Name:           "test-worker",
		Component:      "test",
		Detail:         "unit",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  1,
	}, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never started")
	}

	require.NoError(t, s.Stop())
	status, err := s.GetWorkerStatus("test-worker")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status)
}

func TestWorkerRetriesAfterFailureUpToMaxRetries(t *testing.T) {
	s := NewSupervisor(zap.NewNop())
	var attempts int

	done := make(chan struct{})
	err := s.AddWorker(WorkerConfig{
		Name:           "flaky-worker",
		Component:      "test",
		Detail:         "flaky",
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  1,
	}, func(ctx context.Context) error {
		attempts++
		if attempts >= 2 {
			close(done)
		}
		return errors.New("boom")
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not retry")
	}

	time.Sleep(20 * time.Millisecond)
	s.Stop()
	assert.GreaterOrEqual(t, attempts, 2)
}
