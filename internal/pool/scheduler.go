package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/takeout_downloader/internal/fetch"
	"github.com/italolelis/takeout_downloader/internal/fetch/progress"
	"github.com/italolelis/takeout_downloader/internal/logctx"
	"github.com/italolelis/takeout_downloader/internal/session"
	"github.com/italolelis/takeout_downloader/internal/task"
	"github.com/italolelis/takeout_downloader/internal/telemetry"
)

// MaxParallelism bounds the admissible worker count.
const MaxParallelism = 20

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 2 * time.Second
	eventBuffer         = 256
)

// State is the scheduler's pool-level state.
type State int

const (
	StateRunning State = iota
	StateDraining
	StatePaused
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StatePaused:
		return "paused"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Fetcher performs one streaming transfer. Satisfied by fetch.Client.
type Fetcher interface {
	Fetch(ctx context.Context, url, cookie, dest string, onProgress progress.Func) (int64, error)
}

// Summary holds the aggregate counters of one run, accumulated as tasks
// settle and frozen once the pool finishes.
type Summary struct {
	Total            int           `json:"total"`
	Succeeded        int           `json:"succeeded"`
	Failed           int           `json:"failed"`
	Skipped          int           `json:"skipped"`
	BytesTransferred int64         `json:"bytes_transferred"`
	Elapsed          time.Duration `json:"elapsed_ns"`
	FailedIndices    []int         `json:"failed_indices,omitempty"`
}

// TaskStatus is a read-only view of one task for the status surface.
type TaskStatus struct {
	Index    int    `json:"index"`
	File     string `json:"file"`
	State    string `json:"state"`
	Bytes    int64  `json:"bytes"`
	Expected int64  `json:"expected"`
	Error    string `json:"error,omitempty"`
}

// Snapshot is a consistent view of the pool for the status surface.
type Snapshot struct {
	State   string       `json:"state"`
	Summary Summary      `json:"summary"`
	Tasks   []TaskStatus `json:"tasks"`
}

// Scheduler owns the work queue and the bounded worker pool. Tasks are
// dispatched in ascending index order; a session rejection drains the pool
// and blocks it on the session controller until the operator supplies a
// fresh credential.
type Scheduler struct {
	ctrl        *session.Controller
	fetcher     Fetcher
	parallelism int

	// Tunables with defaults; set before Run.
	MaxAttempts  int
	RetryBackoff time.Duration
	Telemetry    *telemetry.Telemetry

	// mu guards tasks, queue, state and summary. Never held across a
	// network suspension point.
	mu        sync.Mutex
	tasks     []*task.Task
	queue     []*task.Task
	state     State
	authStop  bool
	staleCred *session.Credential
	warned    bool
	summary   Summary

	events chan Event
}

// NewScheduler validates the parallelism bound and prepares a pool over the
// reconciled task list.
func NewScheduler(tasks []*task.Task, ctrl *session.Controller, fetcher Fetcher, parallelism int) (*Scheduler, error) {
	if parallelism < 1 || parallelism > MaxParallelism {
		return nil, fmt.Errorf("pool: parallelism must be in 1..%d, got %d", MaxParallelism, parallelism)
	}

	return &Scheduler{
		ctrl:         ctrl,
		fetcher:      fetcher,
		parallelism:  parallelism,
		MaxAttempts:  defaultMaxAttempts,
		RetryBackoff: defaultRetryBackoff,
		tasks:        tasks,
		events:       make(chan Event, eventBuffer),
	}, nil
}

// Events is the stream of progress events. Closed when the run finishes.
// Consumers must drain it; progress events are dropped when the buffer is
// full, lifecycle events are not.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Snapshot returns a consistent copy of the pool state for observers.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:   s.state.String(),
		Summary: s.summary,
		Tasks:   make([]TaskStatus, 0, len(s.tasks)),
	}

	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, TaskStatus{
			Index:    t.Index,
			File:     t.FileName,
			State:    t.State.String(),
			Bytes:    t.BytesWritten,
			Expected: t.ExpectedBytes,
			Error:    t.LastError,
		})
	}

	return snap
}

// Run drives the pool to completion. Cancellation stops dispatch, aborts
// in-flight transfers and returns the summary of what settled; it is a clean
// shutdown, not an error.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()

	defer close(s.events)

	s.mu.Lock()
	s.summary.Total = len(s.tasks)

	for _, t := range s.tasks {
		if t.State == task.StateCompleted {
			s.summary.Skipped++

			continue
		}

		t.State = task.StatePending
		s.queue = append(s.queue, t)
	}
	s.mu.Unlock()

	for {
		if ctx.Err() != nil {
			break
		}

		s.setState(StateRunning)
		s.runBatch(ctx)

		if ctx.Err() != nil {
			break
		}

		s.mu.Lock()
		authStop := s.authStop
		stale := s.staleCred
		s.mu.Unlock()

		if !authStop {
			break // queue drained, nothing left but settled tasks
		}

		// All in-flight attempts have reported; now the pool is paused
		// until the operator supplies a fresh credential.
		s.setState(StatePaused)
		s.emit(Event{Type: EventPausedForAuth, At: time.Now()})

		if s.Telemetry != nil {
			s.Telemetry.RecordAuthPause()
		}

		logger.Warn("session rejected by server, pool paused awaiting a fresh credential")

		if _, err := s.ctrl.WaitForRefresh(ctx, stale); err != nil {
			break // cancelled while paused
		}

		s.mu.Lock()
		s.authStop = false
		s.staleCred = nil
		s.warned = false
		s.mu.Unlock()

		s.emit(Event{Type: EventResumed, At: time.Now()})
		logger.Info("credential refreshed, pool resuming")
	}

	s.mu.Lock()
	s.state = StateFinished
	s.summary.Elapsed = time.Since(start)
	sort.Ints(s.summary.FailedIndices)
	sum := s.summary
	s.mu.Unlock()

	s.emit(Event{Type: EventFinished, Summary: &sum, At: time.Now()})

	return &sum, nil
}

// runBatch runs workers until the queue is empty, a session rejection stops
// dispatch, or the context is cancelled. Workers never propagate task
// failures as errors; failures are recorded on the task.
func (s *Scheduler) runBatch(ctx context.Context) {
	wg, ctx := errgroup.WithContext(ctx)

	for range s.parallelism {
		wg.Go(func() error {
			for {
				t := s.next()
				if t == nil {
					return nil
				}

				s.attempt(ctx, t)

				if ctx.Err() != nil {
					return nil
				}
			}
		})
	}

	_ = wg.Wait()
}

// next hands the lowest pending index to exactly one worker, or nil when
// dispatch must stop.
func (s *Scheduler) next() *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.authStop || len(s.queue) == 0 {
		return nil
	}

	t := s.queue[0]
	s.queue = s.queue[1:]
	t.State = task.StateDownloading

	return t
}

// attempt drives one task through its bounded retry chain.
func (s *Scheduler) attempt(ctx context.Context, t *task.Task) {
	logger := logctx.LoggerFromContext(ctx).With("file", t.FileName, "index", t.Index)
	started := time.Now()

	s.warnIfExpiring()
	s.emit(Event{Type: EventTaskStarted, Index: t.Index, File: t.FileName, At: started})

	if s.Telemetry != nil {
		s.Telemetry.IncrementActiveDownloads()
		defer s.Telemetry.DecrementActiveDownloads()
	}

	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		cred := s.ctrl.Current()
		url := cred.Descriptor.URLFor(t.Index)

		written, err := s.fetcher.Fetch(ctx, url, cred.CookieHeader, t.LocalPath, s.progressFunc(t))

		switch {
		case err == nil:
			s.completeTask(t, written)
			s.recordOutcome("success", started)
			logger.Info("archive downloaded",
				"size", humanize.Bytes(uint64(written)),
				"attempts", attempt,
			)

			return

		case ctx.Err() != nil:
			// Cooperative stop; the fetcher already discarded its temp file.
			s.mu.Lock()
			t.State = task.StatePending
			s.mu.Unlock()

			return

		case isAuthError(err):
			s.escalateAuth(t, cred)
			s.recordOutcome("auth_rejected", started)
			s.emit(Event{Type: EventTaskRequeued, Index: t.Index, File: t.FileName, Reason: err.Error(), At: time.Now()})
			logger.Warn("session rejected, task requeued", "err", err)

			return

		default:
			s.mu.Lock()
			t.Attempts++
			t.LastError = err.Error()
			s.mu.Unlock()

			var sizeErr *fetch.SizeMismatchError
			if errors.As(err, &sizeErr) {
				logger.Warn("size mismatch, file discarded",
					"expected", sizeErr.Expected,
					"received", sizeErr.Received,
					"attempt", attempt,
				)
			} else {
				logger.Warn("transient failure", "attempt", attempt, "err", err)
			}

			if attempt < s.MaxAttempts {
				if s.Telemetry != nil {
					s.Telemetry.RecordRetry()
				}

				if !s.backoff(ctx, attempt) {
					s.mu.Lock()
					t.State = task.StatePending
					s.mu.Unlock()

					return
				}

				continue
			}

			s.failTask(t, err)
			s.recordOutcome("failure", started)
			logger.Error("task failed permanently for this run", "attempts", attempt, "err", err)

			return
		}
	}
}

func (s *Scheduler) completeTask(t *task.Task, written int64) {
	s.mu.Lock()
	t.State = task.StateCompleted
	t.BytesWritten = written

	if t.ExpectedBytes <= 0 {
		t.ExpectedBytes = written
	}

	s.summary.Succeeded++
	s.summary.BytesTransferred += written
	total := t.ExpectedBytes
	s.mu.Unlock()

	if s.Telemetry != nil {
		s.Telemetry.AddDownloadBytes(written)
	}

	s.emit(Event{Type: EventTaskCompleted, Index: t.Index, File: t.FileName, Bytes: written, Total: total, At: time.Now()})
}

func (s *Scheduler) failTask(t *task.Task, err error) {
	s.mu.Lock()
	t.State = task.StateFailed
	t.LastError = err.Error()
	s.summary.Failed++
	s.summary.FailedIndices = append(s.summary.FailedIndices, t.Index)
	s.mu.Unlock()

	s.emit(Event{Type: EventTaskFailed, Index: t.Index, File: t.FileName, Reason: err.Error(), At: time.Now()})
}

// escalateAuth flips the pool into draining on the first rejection of a
// batch. Later rejections from units already in flight just requeue their
// task without escalating again.
func (s *Scheduler) escalateAuth(t *task.Task, cred *session.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.authStop {
		s.authStop = true
		s.staleCred = cred
		s.state = StateDraining
	}

	t.State = task.StatePending
	t.Attempts = 0
	s.requeueLocked(t)
}

// requeueLocked re-inserts a task keeping the queue ordered by index.
func (s *Scheduler) requeueLocked(t *task.Task) {
	at := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].Index >= t.Index
	})

	s.queue = append(s.queue, nil)
	copy(s.queue[at+1:], s.queue[at:])
	s.queue[at] = t
}

func (s *Scheduler) progressFunc(t *task.Task) progress.Func {
	return func(written, total int64, rate float64) {
		s.mu.Lock()
		t.BytesWritten = written

		if total > 0 {
			t.ExpectedBytes = total
		}
		s.mu.Unlock()

		// Progress is best-effort; drop rather than stall a transfer.
		select {
		case s.events <- Event{Type: EventTaskProgress, Index: t.Index, File: t.FileName, Bytes: written, Total: total, Rate: rate, At: time.Now()}:
		default:
		}
	}
}

// backoff waits an increasing delay between attempts. Returns false when
// cancelled.
func (s *Scheduler) backoff(ctx context.Context, attempt int) bool {
	delay := s.RetryBackoff * time.Duration(1<<uint(attempt-1))

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (s *Scheduler) recordOutcome(status string, started time.Time) {
	if s.Telemetry != nil {
		s.Telemetry.RecordDownload(status, time.Since(started))
	}
}

func (s *Scheduler) warnIfExpiring() {
	if !s.ctrl.Expiring() {
		return
	}

	s.mu.Lock()
	first := !s.warned
	s.warned = true
	s.mu.Unlock()

	if first {
		s.emit(Event{Type: EventSessionExpiring, Reason: fmt.Sprintf("credential age %s", s.ctrl.Age().Round(time.Second)), At: time.Now()})
	}
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// emit delivers a lifecycle event. The consumer is expected to drain the
// stream continuously; the buffer absorbs bursts.
func (s *Scheduler) emit(e Event) {
	s.events <- e
}

func isAuthError(err error) bool {
	var authErr *fetch.AuthError

	return errors.As(err, &authErr)
}
