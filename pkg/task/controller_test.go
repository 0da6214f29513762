package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu          sync.Mutex
	progress    [][2]int
	stages      []string
	completions []Completion
}

func (s *recordingSink) Progress(runID string, current, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, [2]int{current, total})
}

func (s *recordingSink) Stage(runID, stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, stage)
}

func (s *recordingSink) Completed(c Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, c)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completions)
}

func waitForSink(t *testing.T, s *recordingSink, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.count() == n }, time.Second, 5*time.Millisecond)
}

func TestSuccessfulRun(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(WithSink(sink))

	h, err := c.Start(Querying, "fill", func(ctx context.Context, r *Reporter) (Outcome, error) {
		r.Stage("querying")
		r.Progress(1, 2)
		r.Progress(2, 2)
		return Outcome{SuccessCount: 2, TotalCount: 2, Message: "done"}, nil
	})
	require.NoError(t, err)

	comp := h.Completion()
	assert.True(t, comp.Success)
	assert.Equal(t, "done", comp.Message)
	assert.Equal(t, h.RunID, comp.RunID)
	assert.True(t, h.IsDone())

	waitForSink(t, sink, 1)
	assert.Equal(t, []string{"querying"}, sink.stages)
	assert.Equal(t, [][2]int{{1, 2}, {2, 2}}, sink.progress)
	assert.Equal(t, ConfigEditable, c.State())
}

func TestOneTaskAtATime(t *testing.T) {
	c := NewController()
	release := make(chan struct{})

	h, err := c.Start(Prefetching, "prefetch", func(ctx context.Context, r *Reporter) (Outcome, error) {
		<-release
		return Outcome{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, Prefetching, c.State())

	_, err = c.Start(Querying, "again", func(ctx context.Context, r *Reporter) (Outcome, error) {
		return Outcome{}, nil
	})
	assert.ErrorIs(t, err, ErrTaskRunning)
	assert.ErrorIs(t, c.SetIdleState(ReadOnlyRun), ErrTaskRunning)

	close(release)
	<-h.Done()
	assert.NoError(t, c.SetIdleState(ReadOnlyRun))
	assert.Equal(t, ReadOnlyRun, c.State())
	assert.ErrorIs(t, c.SetIdleState(Querying), ErrInvalidState)
}

func TestCancelProducesExactlyOneCompletion(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(WithSink(sink))
	started := make(chan struct{})

	h, err := c.Start(Querying, "fill", func(ctx context.Context, r *Reporter) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return Outcome{SuccessCount: 1, TotalCount: 3}, ctx.Err()
	})
	require.NoError(t, err)
	<-started

	c.RequestCancel()
	assert.Contains(t, []EditState{Cancelled, ConfigEditable}, c.State())
	h.Cancel()

	comp := h.Completion()
	assert.False(t, comp.Success)
	assert.Equal(t, CancelledMessage, comp.Message)
	assert.Equal(t, 1, comp.SuccessCount)

	waitForSink(t, sink, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, ConfigEditable, c.State())
}

func TestErrorsAndPanicsBecomeFailures(t *testing.T) {
	c := NewController()

	h, err := c.Start(Querying, "broken", func(ctx context.Context, r *Reporter) (Outcome, error) {
		return Outcome{}, errors.New("store unreachable")
	})
	require.NoError(t, err)
	comp := h.Completion()
	assert.False(t, comp.Success)
	assert.Equal(t, "store unreachable", comp.Message)

	h, err = c.Start(Querying, "panics", func(ctx context.Context, r *Reporter) (Outcome, error) {
		panic("index out of range")
	})
	require.NoError(t, err)
	comp = h.Completion()
	assert.False(t, comp.Success)
	assert.Contains(t, comp.Message, "index out of range")

	h, err = c.Start(Querying, "partial", func(ctx context.Context, r *Reporter) (Outcome, error) {
		return Outcome{SuccessCount: 1, TotalCount: 2}, nil
	})
	require.NoError(t, err)
	assert.False(t, h.Completion().Success, "partial results are not a success")
}

func TestCloseTimesOut(t *testing.T) {
	c := NewController()
	release := make(chan struct{})
	defer close(release)

	_, err := c.Start(Querying, "stubborn", func(ctx context.Context, r *Reporter) (Outcome, error) {
		<-release
		return Outcome{}, nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Close(20*time.Millisecond), ErrShutdownTimeout)
}

func TestCloseStopsCooperativeTask(t *testing.T) {
	c := NewController()
	_, err := c.Start(Querying, "cooperative", func(ctx context.Context, r *Reporter) (Outcome, error) {
		for !r.Cancelled() {
			time.Sleep(time.Millisecond)
		}
		return Outcome{}, nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Close(time.Second))
	assert.Nil(t, c.Running())
	assert.NoError(t, NewController().Close(time.Millisecond))
}

func TestWaitCancelsOnContext(t *testing.T) {
	c := NewController(WithShutdownTimeout(time.Second))
	_, err := c.Start(Querying, "slow", func(ctx context.Context, r *Reporter) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	comp, err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, CancelledMessage, comp.Message)

	again, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, comp.RunID, again.RunID)
}
