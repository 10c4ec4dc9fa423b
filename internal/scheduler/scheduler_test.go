package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsfeeder/internal/ingest"
	"newsfeeder/internal/model"
)

type stubRunner struct {
	cycles  atomic.Int64
	retries atomic.Int64
	block   chan struct{}
	err     error
}

func (r *stubRunner) RunCycle(ctx context.Context, scope ingest.Scope) (*model.CycleSummary, error) {
	r.cycles.Add(1)
	if r.block != nil {
		<-r.block
	}
	if r.err != nil {
		return nil, r.err
	}
	return &model.CycleSummary{RunID: "run-1", ItemsCreated: 3}, nil
}

func (r *stubRunner) RetryDeferred(ctx context.Context, limit int) (int, error) {
	r.retries.Add(1)
	return 0, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunNowRecordsState(t *testing.T) {
	runner := &stubRunner{}
	s := New(runner, time.Hour, testLogger())

	summary, err := s.RunNow(context.Background(), ingest.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.ItemsCreated)

	state := s.Snapshot()
	assert.False(t, state.Running)
	require.NotNil(t, state.LastCompletedAt)
	require.NotNil(t, state.LastSummary)
	assert.Equal(t, "run-1", state.LastSummary.RunID)
	assert.Empty(t, state.LastError)
}

func TestRunNowRecordsFailure(t *testing.T) {
	runner := &stubRunner{err: errors.New("database gone")}
	s := New(runner, time.Hour, testLogger())

	_, err := s.RunNow(context.Background(), ingest.Scope{})
	require.Error(t, err)

	state := s.Snapshot()
	assert.Equal(t, "database gone", state.LastError)
	assert.Nil(t, state.LastSummary)
}

func TestRunNowRejectsOverlap(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	s := New(runner, time.Hour, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunNow(context.Background(), ingest.Scope{})
	}()

	// Wait for the first run to be underway.
	require.Eventually(t, func() bool {
		return s.Snapshot().Running
	}, time.Second, 5*time.Millisecond)

	_, err := s.RunNow(context.Background(), ingest.Scope{})
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(runner.block)
	<-done
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	runner := &stubRunner{}
	s := New(runner, time.Hour, testLogger())

	s.Start(context.Background())
	// The deferred-retry pass follows the first cycle; both run on startup.
	require.Eventually(t, func() bool {
		return runner.cycles.Load() >= 1 && runner.retries.Load() >= 1
	}, time.Second, 5*time.Millisecond)
	s.Stop()
}
