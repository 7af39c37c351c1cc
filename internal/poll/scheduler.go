package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/hsync/internal/logging"
	"github.com/matheus3301/hsync/internal/metrics"
	"go.uber.org/zap"
)

// Apply commits the result of a poll request to engine state. The scheduler
// runs it only while the task that produced it is still current.
type Apply func()

// Task performs one poll request. It must not mutate shared state itself;
// everything it wants to change goes into the returned Apply.
// An Apply must not cancel its own task.
type Task func(ctx context.Context) (Apply, error)

// TickerFunc creates the tick source of a task.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

// ResultFunc observes the outcome of every non-stale invocation.
type ResultFunc func(task string, err error)

// Handle identifies one scheduling of a named task. Rescheduling the same
// name yields a new epoch; operations with an outdated handle are no-ops.
type Handle struct {
	name  string
	epoch uint64
}

// Valid reports whether the handle was returned by Schedule.
func (h Handle) Valid() bool { return h.epoch != 0 }

type entry struct {
	name     string
	epoch    uint64
	interval time.Duration
	task     Task
	ctx      context.Context
	cancel   context.CancelFunc
	trigger  chan struct{}
	inFlight atomic.Bool
	applyMu  sync.Mutex
}

// Scheduler runs named periodic tasks. Each name has at most one live
// scheduling and at most one request in flight.
type Scheduler struct {
	mu        sync.Mutex
	tasks     map[string]*entry
	epoch     uint64
	newTicker TickerFunc
	onResult  ResultFunc
	logger    *zap.Logger
	metrics   *metrics.Metrics
	wg        sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTicker replaces the time.Ticker based tick source.
func WithTicker(f TickerFunc) Option {
	return func(s *Scheduler) { s.newTicker = f }
}

// WithResultHook registers a callback for invocation outcomes.
func WithResultHook(f ResultFunc) Option {
	return func(s *Scheduler) { s.onResult = f }
}

// New creates a scheduler.
func New(logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:     make(map[string]*entry),
		newTicker: realTicker,
		logger:    logging.OrNop(logger),
		metrics:   m,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Schedule starts running task every interval under the given name. An
// existing task with the same name is cancelled first, and its in-flight
// response, if any, will be discarded. The first invocation happens on the
// first tick; use Trigger to run one immediately.
func (s *Scheduler) Schedule(name string, interval time.Duration, task Task) Handle {
	s.mu.Lock()
	old := s.tasks[name]
	if old != nil {
		delete(s.tasks, name)
	}
	s.epoch++
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		name:     name,
		epoch:    s.epoch,
		interval: interval,
		task:     task,
		ctx:      ctx,
		cancel:   cancel,
		trigger:  make(chan struct{}, 1),
	}
	s.tasks[name] = e
	s.wg.Add(1)
	s.mu.Unlock()

	if old != nil {
		s.retire(old)
	}
	go s.loop(e)

	s.logger.Debug("poll task scheduled", zap.String("task", name), zap.Duration("interval", interval), zap.Uint64("epoch", e.epoch))
	return Handle{name: name, epoch: e.epoch}
}

// Cancel stops the scheduling identified by h. When Cancel returns no Apply
// of that scheduling will run anymore. Returns false if h is not current.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	e := s.tasks[h.name]
	if e == nil || e.epoch != h.epoch {
		s.mu.Unlock()
		return false
	}
	delete(s.tasks, h.name)
	s.mu.Unlock()

	s.retire(e)
	s.logger.Debug("poll task cancelled", zap.String("task", h.name), zap.Uint64("epoch", h.epoch))
	return true
}

// Trigger requests an immediate invocation of the scheduling identified by h,
// subject to the same skip-if-in-flight rule as a tick.
func (s *Scheduler) Trigger(h Handle) bool {
	e := s.current(h)
	if e == nil {
		return false
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
	return true
}

// Active reports whether h is the live scheduling of its name.
func (s *Scheduler) Active(h Handle) bool {
	return s.current(h) != nil
}

// Running returns the names of all live tasks.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	return names
}

// Stop cancels every task and waits for in-flight invocations to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.tasks))
	for name, e := range s.tasks {
		entries = append(entries, e)
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	for _, e := range entries {
		s.retire(e)
	}
	s.wg.Wait()
}

func (s *Scheduler) current(h Handle) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.tasks[h.name]
	if e == nil || e.epoch != h.epoch {
		return nil
	}
	return e
}

func (s *Scheduler) isCurrent(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[e.name] == e
}

// retire cancels e and waits for an Apply that is already running.
// Must be called without s.mu held.
func (s *Scheduler) retire(e *entry) {
	e.cancel()
	e.applyMu.Lock()
	e.applyMu.Unlock() //nolint:staticcheck // empty section waits out a running Apply
}

func (s *Scheduler) loop(e *entry) {
	defer s.wg.Done()
	ticks, stop := s.newTicker(e.interval)
	defer stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticks:
			s.fire(e)
		case <-e.trigger:
			s.fire(e)
		}
	}
}

func (s *Scheduler) fire(e *entry) {
	if !e.inFlight.CompareAndSwap(false, true) {
		s.metrics.PollSkipped(e.name)
		s.logger.Debug("poll tick skipped, previous request in flight", zap.String("task", e.name))
		return
	}
	s.wg.Add(1)
	go s.run(e)
}

func (s *Scheduler) run(e *entry) {
	defer s.wg.Done()
	defer e.inFlight.Store(false)

	s.metrics.PollTick(e.name)
	start := time.Now()
	apply, err := e.task(e.ctx)
	s.metrics.PollObserve(e.name, time.Since(start).Seconds())

	e.applyMu.Lock()
	stale := e.ctx.Err() != nil || !s.isCurrent(e)
	if !stale && err == nil && apply != nil {
		apply()
	}
	e.applyMu.Unlock()

	if stale {
		s.metrics.PollStale(e.name)
		s.logger.Debug("discarding stale poll response", zap.String("task", e.name), zap.Uint64("epoch", e.epoch))
		return
	}
	if err != nil {
		s.metrics.PollFailed(e.name)
		s.logger.Warn("poll failed", zap.String("task", e.name), zap.Error(err))
	}

	s.mu.Lock()
	hook := s.onResult
	s.mu.Unlock()
	if hook != nil {
		hook(e.name, err)
	}
}
