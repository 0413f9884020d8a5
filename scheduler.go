package fulfillment

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// TimeoutFunc is called when a dispatched step's deadline elapses without a
// result.
type TimeoutFunc func(sagaID, stepName string)

type deadlineEntry struct {
	due      time.Time
	sagaID   string
	stepName string
}

func deadlineLess(a, b deadlineEntry) bool {
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}
	if a.sagaID != b.sagaID {
		return a.sagaID < b.sagaID
	}
	return a.stepName < b.stepName
}

// Scheduler tracks per-step deadlines and raises synthetic timeouts. The
// index is a btree ordered by due time, so each tick only inspects the
// entries that are actually due.
type Scheduler struct {
	onTimeout TimeoutFunc
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	tree    *btree.BTreeG[deadlineEntry]
	pending map[string]deadlineEntry // (sagaID, stepName) -> active entry

	stop     chan struct{}
	stopped  sync.WaitGroup
	stopOnce sync.Once
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// TickInterval is how often due deadlines are checked.
	TickInterval time.Duration

	Logger *slog.Logger
}

// NewScheduler creates a Scheduler and starts its tick loop.
func NewScheduler(onTimeout TimeoutFunc, opts SchedulerOptions) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Scheduler{
		onTimeout: onTimeout,
		interval:  opts.TickInterval,
		logger:    opts.Logger,
		tree:      btree.NewBTreeG[deadlineEntry](deadlineLess),
		pending:   make(map[string]deadlineEntry),
		stop:      make(chan struct{}),
	}
	s.stopped.Add(1)
	go s.loop()
	return s
}

// Close stops the tick loop.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.stopped.Wait()
}

// Schedule arms (or re-arms) the deadline for one dispatched step.
func (s *Scheduler) Schedule(sagaID, stepName string, deadline time.Time) {
	key := sagaID + "/" + stepName
	entry := deadlineEntry{due: deadline, sagaID: sagaID, stepName: stepName}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.pending[key]; ok {
		s.tree.Delete(old)
	}
	s.pending[key] = entry
	s.tree.Set(entry)
}

// Cancel disarms the deadline; a no-op when none is armed.
func (s *Scheduler) Cancel(sagaID, stepName string) {
	key := sagaID + "/" + stepName

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.pending[key]; ok {
		s.tree.Delete(old)
		delete(s.pending, key)
	}
}

// Pending returns the number of armed deadlines.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) loop() {
	defer s.stopped.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.fireDue(time.Now())
		}
	}
}

// fireDue pops every entry whose deadline has passed and invokes the timeout
// callback outside the lock.
func (s *Scheduler) fireDue(now time.Time) {
	var due []deadlineEntry

	s.mu.Lock()
	for {
		entry, ok := s.tree.Min()
		if !ok || entry.due.After(now) {
			break
		}
		s.tree.Delete(entry)
		delete(s.pending, entry.sagaID+"/"+entry.stepName)
		due = append(due, entry)
	}
	s.mu.Unlock()

	for _, entry := range due {
		s.logger.Debug("step_deadline_elapsed", "saga_id", entry.sagaID, "step", entry.stepName)
		s.onTimeout(entry.sagaID, entry.stepName)
	}
}
