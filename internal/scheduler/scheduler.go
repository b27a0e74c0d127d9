// Package scheduler admits generation work into a bounded worker pool. Work
// that cannot start immediately waits in a priority queue of fixed capacity;
// submissions beyond that capacity are rejected instead of buffered.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/document-delivery/internal/metrics"
)

const (
	defaultMaxConcurrent       = 4
	defaultMaxQueueSize        = 100
	defaultQueueTimeout        = 30 * time.Second
	defaultOperationTimeout    = 60 * time.Second
	defaultMemoryCheckInterval = 30 * time.Second
)

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("scheduler: queue is full")
	// ErrQueueTimeout is returned when no worker slot was granted in time.
	ErrQueueTimeout = errors.New("scheduler: timed out waiting for a worker slot")
	// ErrTimeout is returned when a running task exceeded its deadline.
	ErrTimeout = errors.New("scheduler: operation timed out")
	// ErrShed is returned to queued tasks dropped under memory pressure.
	ErrShed = errors.New("scheduler: task shed under memory pressure")
	// ErrClosed is returned once the scheduler has been closed.
	ErrClosed = errors.New("scheduler: closed")
)

// State is the lifecycle position of a task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
	StateRejected  State = "rejected"
)

// Task is a unit of work. Lower Priority values run first.
type Task struct {
	Name     string
	Priority int
	Run      func(ctx context.Context) error
}

// Config bounds the scheduler.
type Config struct {
	MaxConcurrentOperations int
	MaxQueueSize            int
	QueueTimeout            time.Duration
	OperationTimeout        time.Duration
	MemoryCheckInterval     time.Duration
	// MemoryHighWater is a heap size in bytes. Zero disables the monitor.
	MemoryHighWater uint64
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	QueueLength int
	ActiveCount int
	AverageWait time.Duration
	Completed   uint64
	Failed      uint64
	Expired     uint64
	Rejected    uint64
}

// MemoryReader reports current heap usage in bytes.
type MemoryReader func() uint64

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source used for wait accounting.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics publishes queue and task metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithMemoryReader replaces the runtime heap reader.
func WithMemoryReader(r MemoryReader) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.readMemory = r
		}
	}
}

// WithPressureHook registers a callback run after tasks were shed.
func WithPressureHook(fn func()) Option {
	return func(s *Scheduler) {
		s.onPressure = fn
	}
}

type item struct {
	task       Task
	seq        uint64
	enqueuedAt time.Time
	index      int
	// granted receives nil when a worker slot was handed over, or the
	// reason the task was dropped from the queue.
	granted chan error
}

type taskQueue []*item

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority < q[j].task.Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg        Config
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	readMemory MemoryReader
	onPressure func()

	slots *semaphore.Weighted

	mu        sync.Mutex
	queue     taskQueue
	seq       uint64
	active    int
	closed    bool
	waitTotal time.Duration
	waitCount uint64
	completed uint64
	failed    uint64
	expired   uint64
	rejected  uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a scheduler. Zero config values fall back to defaults.
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Scheduler {
	if cfg.MaxConcurrentOperations <= 0 {
		cfg.MaxConcurrentOperations = defaultMaxConcurrent
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = defaultQueueTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if cfg.MemoryCheckInterval <= 0 {
		cfg.MemoryCheckInterval = defaultMemoryCheckInterval
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	s := &Scheduler{
		cfg:        cfg,
		logger:     logger.With().Str("component", "generation_scheduler").Logger(),
		now:        time.Now,
		readMemory: heapInUse,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentOperations)),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit runs task once a worker slot is available and returns its error.
// It never blocks when the queue is full. A task whose ctx ends before it
// starts is skipped; a running task is only bounded by OperationTimeout.
func (s *Scheduler) Submit(ctx context.Context, task Task) error {
	if task.Run == nil {
		return errors.New("scheduler: task has no run function")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	enqueuedAt := s.now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.queue.Len() == 0 && s.slots.TryAcquire(1) {
		s.active++
		s.observeLocked()
		s.mu.Unlock()
		return s.run(ctx, task, enqueuedAt)
	}
	if s.queue.Len() >= s.cfg.MaxQueueSize {
		s.rejected++
		s.mu.Unlock()
		s.metrics.TaskFinished(string(StateRejected))
		s.logger.Warn().Str("task", task.Name).Int("queue_length", s.cfg.MaxQueueSize).Msg("scheduler rejected task: queue full")
		return ErrQueueFull
	}
	s.seq++
	it := &item{task: task, seq: s.seq, enqueuedAt: enqueuedAt, granted: make(chan error, 1)}
	heap.Push(&s.queue, it)
	s.observeLocked()
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case err := <-it.granted:
		if err != nil {
			return err
		}
		return s.run(ctx, task, enqueuedAt)
	case <-ctx.Done():
		return s.abandon(it, ctx.Err(), StateFailed)
	case <-timer.C:
		return s.abandon(it, ErrQueueTimeout, StateExpired)
	}
}

// SubmitBatch submits every task concurrently. Each element of the result
// corresponds to the task at the same index.
func (s *Scheduler) SubmitBatch(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i := range tasks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Submit(ctx, tasks[i])
		}(i)
	}
	wg.Wait()
	return errs
}

// Status reports queue depth, active work and counters.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		QueueLength: s.queue.Len(),
		ActiveCount: s.active,
		Completed:   s.completed,
		Failed:      s.failed,
		Expired:     s.expired,
		Rejected:    s.rejected,
	}
	if s.waitCount > 0 {
		st.AverageWait = s.waitTotal / time.Duration(s.waitCount)
	}
	return st
}

// Start launches the memory-pressure monitor when a high-water mark is set.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.MemoryHighWater == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.MemoryCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.checkMemory()
			}
		}
	}()
}

// Close rejects queued tasks with ErrClosed and stops the monitor. Running
// tasks are left to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for s.queue.Len() > 0 {
		it := heap.Pop(&s.queue).(*item)
		it.granted <- ErrClosed
	}
	s.observeLocked()
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// run executes task on a slot the caller already holds.
func (s *Scheduler) run(ctx context.Context, task Task, enqueuedAt time.Time) error {
	wait := s.now().Sub(enqueuedAt)
	s.mu.Lock()
	s.waitTotal += wait
	s.waitCount++
	s.mu.Unlock()
	s.metrics.TaskWaited(wait)

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OperationTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Str("task", task.Name).Interface("panic", r).Msg("scheduler task panicked")
				done <- errors.New("scheduler: task panicked")
			}
		}()
		done <- task.Run(opCtx)
	}()

	var err error
	state := StateCompleted
	select {
	case err = <-done:
		if err != nil {
			state = StateFailed
		}
	case <-opCtx.Done():
		err = ErrTimeout
		state = StateExpired
		s.logger.Warn().Str("task", task.Name).Dur("timeout", s.cfg.OperationTimeout).Msg("scheduler abandoned task past its deadline")
	}

	s.finish(state)
	return err
}

// abandon removes it from the queue after the waiter gave up. If a slot was
// handed over concurrently it is passed on.
func (s *Scheduler) abandon(it *item, reason error, state State) error {
	s.mu.Lock()
	if it.index >= 0 {
		heap.Remove(&s.queue, it.index)
		s.countLocked(state)
		s.observeLocked()
		s.mu.Unlock()
		s.metrics.TaskFinished(string(state))
		return reason
	}
	s.mu.Unlock()

	if err := <-it.granted; err != nil {
		return err
	}
	s.finish(state)
	return reason
}

// finish releases a slot, handing it straight to the next queued task when
// there is one.
func (s *Scheduler) finish(state State) {
	s.mu.Lock()
	s.active--
	s.countLocked(state)
	if s.queue.Len() > 0 {
		next := heap.Pop(&s.queue).(*item)
		s.active++
		next.granted <- nil
	} else {
		s.slots.Release(1)
	}
	s.observeLocked()
	s.mu.Unlock()
	s.metrics.TaskFinished(string(state))
}

func (s *Scheduler) countLocked(state State) {
	switch state {
	case StateCompleted:
		s.completed++
	case StateFailed:
		s.failed++
	case StateExpired:
		s.expired++
	case StateRejected:
		s.rejected++
	}
}

func (s *Scheduler) observeLocked() {
	s.metrics.SchedulerState(s.queue.Len(), s.active)
}

// checkMemory sheds the least valuable half of the queue when heap usage is
// above the high-water mark.
func (s *Scheduler) checkMemory() int {
	if s.cfg.MemoryHighWater == 0 {
		return 0
	}
	used := s.readMemory()
	if used < s.cfg.MemoryHighWater {
		return 0
	}

	s.mu.Lock()
	victims := make([]*item, len(s.queue))
	copy(victims, s.queue)
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].task.Priority != victims[j].task.Priority {
			return victims[i].task.Priority > victims[j].task.Priority
		}
		return victims[i].seq > victims[j].seq
	})
	victims = victims[:(len(victims)+1)/2]
	for _, it := range victims {
		heap.Remove(&s.queue, it.index)
		s.rejected++
		it.granted <- ErrShed
	}
	s.observeLocked()
	s.mu.Unlock()

	for range victims {
		s.metrics.TaskFinished(string(StateRejected))
	}
	s.logger.Warn().
		Uint64("heap_bytes", used).
		Uint64("high_water", s.cfg.MemoryHighWater).
		Int("shed", len(victims)).
		Msg("scheduler under memory pressure")

	if s.onPressure != nil {
		s.onPressure()
	}
	return len(victims)
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
