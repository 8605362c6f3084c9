package dumpsys

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/dumpsys/internal/binder"
	"github.com/mattjoyce/dumpsys/internal/log"
)

// DefaultQueueSize is the task buffer used when no WithQueueSize option is given.
const DefaultQueueSize = 16

// Observer receives worker lifecycle notifications. Calls are made from the
// submitting goroutine (TaskQueued) or the worker goroutine (the others) and
// must not block.
type Observer interface {
	TaskQueued(service string)
	// TaskRejected follows TaskQueued when Close won the race for a full queue.
	TaskRejected(service string)
	TaskStarted(service string)
	TaskFinished(service string, code binder.StatusCode, abandoned bool, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) TaskQueued(string)                                           {}
func (noopObserver) TaskRejected(string)                                         {}
func (noopObserver) TaskStarted(string)                                          {}
func (noopObserver) TaskFinished(string, binder.StatusCode, bool, time.Duration) {}

// Option configures a Worker (and the clients that own one).
type Option func(*options)

type options struct {
	queueSize int
	logger    *slog.Logger
	observer  Observer
}

// WithQueueSize sets the task buffer size. Submit blocks while the buffer is
// full; values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithLogger overrides the worker logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver registers an Observer for task lifecycle events.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		queueSize: DefaultQueueSize,
		observer:  noopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.WithComponent("worker")
	}
	return o
}

// task is one dump submitted to a Worker. Only status is written after
// submission, and only by the worker.
type task struct {
	service string
	args    []string
	sink    *os.File
	handle  binder.Handle
	status  *atomic.Int32
	// done is closed once status is final and the worker released sink.
	done chan struct{}
}

// Worker owns the single goroutine that performs remote dump calls. Tasks run
// one at a time in submission order.
type Worker struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan *task
	done   chan struct{}

	// quit is closed first by Close so Submits blocked on a full queue let go
	// of mu.
	quit      chan struct{}
	closeOnce sync.Once

	logger   *slog.Logger
	observer Observer
}

// Spawn starts a worker goroutine. It performs no I/O and cannot fail.
func Spawn(opts ...Option) *Worker {
	o := buildOptions(opts)
	w := &Worker{
		tasks:    make(chan *task, o.queueSize),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
		logger:   o.logger,
		observer: o.observer,
	}
	go w.run()
	return w
}

// Submit hands t to the worker. It returns ErrWorkerGone once Close has been
// called, including when Close arrives while Submit waits on a full queue;
// otherwise it returns as soon as the task is queued.
func (w *Worker) Submit(t *task) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWorkerGone
	}
	w.observer.TaskQueued(t.service)
	select {
	case w.tasks <- t:
		return nil
	case <-w.quit:
		w.observer.TaskRejected(t.service)
		return ErrWorkerGone
	}
}

// Close stops accepting tasks. Tasks already queued still run, in order,
// before the goroutine exits. Close does not wait for them; use Done for that.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.quit)
		w.mu.Lock()
		defer w.mu.Unlock()
		w.closed = true
		close(w.tasks)
	})
}

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Pending returns the number of queued tasks not yet picked up.
func (w *Worker) Pending() int { return len(w.tasks) }

func (w *Worker) run() {
	defer close(w.done)
	w.logger.Debug("worker started")
	for t := range w.tasks {
		w.execute(t)
	}
	w.logger.Debug("worker stopped")
}

func (w *Worker) execute(t *task) {
	defer close(t.done)
	// Runs before close(t.done): the caller reads status only after both.
	defer func() { _ = t.sink.Close() }()

	start := time.Now()
	w.observer.TaskStarted(t.service)

	code, abandoned := w.invoke(t)
	if !code.IsOK() {
		t.status.Store(int32(code))
	}

	elapsed := time.Since(start)
	w.observer.TaskFinished(t.service, code, abandoned, elapsed)
	w.logger.Debug("dump finished",
		"service", t.service,
		"status", code.String(),
		"abandoned", abandoned,
		"duration_ms", elapsed.Milliseconds(),
	)
}

// invoke runs the remote call. A handle that cannot be called is abandoned:
// nothing is written and the caller sees an empty dump.
func (w *Worker) invoke(t *task) (code binder.StatusCode, abandoned bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("dump proxy panicked", "service", t.service, "panic", r)
			code, abandoned = binder.StatusUnknownError, false
		}
	}()

	proxy, ok := t.handle.AsCallable()
	if !ok || proxy == nil {
		w.logger.Debug("handle is not callable, abandoning dump", "service", t.service)
		return binder.StatusOK, true
	}
	return binder.StatusOf(proxy.Dump(t.sink, t.args)), false
}
