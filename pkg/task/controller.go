// Package task runs one cancellable background job per report and reports
// exactly one terminal completion for it.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vjranagit/tsreport/pkg/metrics"
)

var (
	// ErrTaskRunning is returned by Start while another task is active.
	ErrTaskRunning = errors.New("a background task is already running")
	// ErrShutdownTimeout is returned when a task did not stop in time.
	ErrShutdownTimeout = errors.New("background task did not stop before the timeout")
	// ErrInvalidState is returned for a state the caller may not request.
	ErrInvalidState = errors.New("invalid edit state transition")
)

// CancelledMessage is the completion message of a cancelled run.
const CancelledMessage = "cancelled"

// DefaultShutdownTimeout bounds Wait after its context ends.
const DefaultShutdownTimeout = 5 * time.Second

// EditState is the report's editing mode.
type EditState int32

const (
	ConfigEditable EditState = iota
	Prefetching
	Querying
	ReadOnlyRun
	Cancelled
)

func (s EditState) String() string {
	switch s {
	case Prefetching:
		return "prefetching"
	case Querying:
		return "querying"
	case ReadOnlyRun:
		return "read-only-run"
	case Cancelled:
		return "cancelled"
	default:
		return "config-editable"
	}
}

// Busy reports whether a background task owns the report in this state.
func (s EditState) Busy() bool {
	return s == Prefetching || s == Querying || s == Cancelled
}

// Completion is the single terminal event of a run.
type Completion struct {
	RunID        string
	Name         string
	Success      bool
	Message      string
	SuccessCount int
	TotalCount   int
	Duration     time.Duration
}

// Outcome is what a task body reports on return.
type Outcome struct {
	SuccessCount int
	TotalCount   int
	Message      string
}

// Sink receives task events. Calls arrive on the worker goroutine.
type Sink interface {
	Progress(runID string, current, total int)
	Stage(runID, stage string)
	Completed(c Completion)
}

// Func is a task body. It must honour ctx; Reporter forwards progress.
type Func func(ctx context.Context, r *Reporter) (Outcome, error)

// Reporter is handed to a running task body.
type Reporter struct {
	runID string
	sink  Sink
	flag  *atomic.Bool
}

// Progress forwards a progress event.
func (r *Reporter) Progress(current, total int) {
	if r.sink != nil {
		r.sink.Progress(r.runID, current, total)
	}
}

// Stage forwards a stage label.
func (r *Reporter) Stage(stage string) {
	if r.sink != nil {
		r.sink.Stage(r.runID, stage)
	}
}

// Cancelled reports whether cancellation was requested.
func (r *Reporter) Cancelled() bool {
	return r.flag.Load()
}

// Handle refers to one run.
type Handle struct {
	RunID string

	cancel     context.CancelFunc
	onCancel   func()
	flag       *atomic.Bool
	done       chan struct{}
	completion Completion
}

// Cancel requests cooperative cancellation.
func (h *Handle) Cancel() {
	if h.flag.CompareAndSwap(false, true) && h.onCancel != nil {
		h.onCancel()
	}
	h.cancel()
}

// Done is closed once the completion is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// IsDone reports whether the run finished.
func (h *Handle) IsDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Completion returns the terminal event; valid once Done is closed.
func (h *Handle) Completion() Completion {
	<-h.done
	return h.completion
}

// Controller serialises background tasks for one report.
type Controller struct {
	mu              sync.Mutex
	state           EditState
	current         *Handle
	last            *Handle
	sink            Sink
	logger          *zap.Logger
	shutdownTimeout time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithSink registers the event sink.
func WithSink(s Sink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithShutdownTimeout bounds how long Wait keeps waiting after its context
// ends.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.shutdownTimeout = d
		}
	}
}

// NewController creates an idle controller in ConfigEditable.
func NewController(opts ...Option) *Controller {
	c := &Controller{logger: zap.NewNop(), shutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current edit state.
func (c *Controller) State() EditState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetIdleState switches between ConfigEditable and ReadOnlyRun while no task
// runs.
func (c *Controller) SetIdleState(s EditState) error {
	if s != ConfigEditable && s != ReadOnlyRun {
		return fmt.Errorf("%w: %s", ErrInvalidState, s)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return ErrTaskRunning
	}
	c.state = s
	return nil
}

// Start launches fn in the background under state (Prefetching or Querying).
func (c *Controller) Start(state EditState, name string, fn Func) (*Handle, error) {
	if state != Prefetching && state != Querying {
		return nil, fmt.Errorf("%w: cannot start a task in %s", ErrInvalidState, state)
	}

	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil, ErrTaskRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		RunID:  uuid.NewString(),
		cancel: cancel,
		flag:   &atomic.Bool{},
		done:   make(chan struct{}),
	}
	h.onCancel = func() { c.markCancelled(h) }
	c.current = h
	c.state = state
	c.mu.Unlock()

	c.logger.Info("task started",
		zap.String("run_id", h.RunID),
		zap.String("task", name),
		zap.Stringer("state", state))

	go c.run(ctx, h, name, fn)
	return h, nil
}

func (c *Controller) run(ctx context.Context, h *Handle, name string, fn Func) {
	started := time.Now()
	reporter := &Reporter{runID: h.RunID, sink: c.sink, flag: h.flag}

	out, err := c.invoke(ctx, reporter, fn)
	h.cancel()

	comp := Completion{
		RunID:        h.RunID,
		Name:         name,
		SuccessCount: out.SuccessCount,
		TotalCount:   out.TotalCount,
		Duration:     time.Since(started),
	}
	cancelled := h.flag.Load() || errors.Is(err, context.Canceled)
	switch {
	case cancelled:
		comp.Message = CancelledMessage
		metrics.TaskCompletions.WithLabelValues("cancelled").Inc()
	case err != nil:
		comp.Message = err.Error()
		metrics.TaskCompletions.WithLabelValues("failure").Inc()
	default:
		comp.Success = out.SuccessCount == out.TotalCount
		comp.Message = out.Message
		if comp.Success {
			metrics.TaskCompletions.WithLabelValues("success").Inc()
		} else {
			metrics.TaskCompletions.WithLabelValues("failure").Inc()
		}
	}
	h.completion = comp

	c.mu.Lock()
	c.state = ConfigEditable
	c.current = nil
	c.last = h
	c.mu.Unlock()

	c.logger.Info("task finished",
		zap.String("run_id", h.RunID),
		zap.String("task", name),
		zap.Bool("success", comp.Success),
		zap.String("message", comp.Message),
		zap.Int("succeeded", comp.SuccessCount),
		zap.Int("total", comp.TotalCount),
		zap.Duration("duration", comp.Duration))

	close(h.done)
	if c.sink != nil {
		c.sink.Completed(comp)
	}
}

// markCancelled reports Cancelled while a cancelled task winds down.
func (c *Controller) markCancelled(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == h {
		c.state = Cancelled
	}
}

// invoke runs fn, converting a panic into an error.
func (c *Controller) invoke(ctx context.Context, r *Reporter, fn Func) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("task panicked", zap.String("run_id", r.runID), zap.Any("panic", p))
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return fn(ctx, r)
}

// RequestCancel asks the running task, if any, to stop.
func (c *Controller) RequestCancel() {
	c.mu.Lock()
	h := c.current
	c.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// Running returns the active handle or nil.
func (c *Controller) Running() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Wait blocks until the active task finishes and returns its completion.
// With no active task it returns the previous completion, if any. When ctx
// ends first, cancellation is requested and Wait keeps waiting up to the
// shutdown timeout.
func (c *Controller) Wait(ctx context.Context) (Completion, error) {
	c.mu.Lock()
	h := c.current
	if h == nil {
		h = c.last
	}
	c.mu.Unlock()
	if h == nil {
		return Completion{}, nil
	}

	select {
	case <-h.done:
		return h.completion, nil
	case <-ctx.Done():
	}

	h.Cancel()
	timer := time.NewTimer(c.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return h.completion, ctx.Err()
	case <-timer.C:
		return Completion{}, ErrShutdownTimeout
	}
}

// Close cancels the active task and waits up to timeout for it to stop.
func (c *Controller) Close(timeout time.Duration) error {
	c.mu.Lock()
	h := c.current
	c.mu.Unlock()
	if h == nil {
		return nil
	}

	h.Cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
		c.logger.Warn("task did not stop in time", zap.String("run_id", h.RunID), zap.Duration("timeout", timeout))
		return ErrShutdownTimeout
	}
}
