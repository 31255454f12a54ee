// Package queue runs submitted work items under a bounded, priority-ordered
// worker pool. The concurrency ceiling is not fixed at construction: it is
// re-read from the power monitor on every dispatch decision, so thermal
// pressure throttles the pool live. Among ready items, strictly higher
// priority always runs first; ties go to the earlier submission.
//
// Queue-full policy: submissions beyond the pending cap are rejected with
// ErrQueueFull rather than blocked, keeping Enqueue non-blocking.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/embermill/conductor/internal/logbook"
	"github.com/embermill/conductor/internal/power"
)

// ErrQueueFull rejects a submission when the pending backlog is at capacity.
// Callers should retry after in-flight work drains.
var ErrQueueFull = errors.New("queue: pending backlog is full, retry once running work drains")

// ErrStopped rejects submissions after Stop.
var ErrStopped = errors.New("queue: stopped")

// ErrCancelled reports an item dropped by CancelAll or Stop before it could
// start.
var ErrCancelled = errors.New("queue: item cancelled before start")

// Work is one queued unit. It must observe ctx for cooperative cancellation.
type Work func(ctx context.Context) error

// Ticket tracks one submission. Done is closed when the item finishes or is
// dropped, so waiters always resolve even when the backlog is discarded.
type Ticket struct {
	dropped bool
	done    chan struct{}
}

// Done is closed once the item has run or been dropped.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Dropped reports whether the item was discarded before starting. Only valid
// after Done is closed.
func (t *Ticket) Dropped() bool { return t.dropped }

type item struct {
	priority   int
	seq        uint64
	name       string
	work       Work
	ticket     *Ticket
	enqueuedAt time.Time
}

// Queue is the bounded priority dispatcher.
type Queue struct {
	monitor    *power.Monitor
	log        *logbook.Logbook
	maxPending int

	mu      sync.Mutex
	pending itemHeap
	running map[uint64]context.CancelFunc
	seq     uint64
	started bool
	stopped bool
	cancel  context.CancelFunc

	notify chan struct{}
	wg     sync.WaitGroup
	clock  func() time.Time
}

// Option customizes the queue.
type Option func(*Queue)

// WithMaxPending caps the pending backlog (default 512).
func WithMaxPending(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxPending = n
		}
	}
}

// WithLogbook records dispatch events to the given logbook.
func WithLogbook(log *logbook.Logbook) Option {
	return func(q *Queue) { q.log = log }
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// New creates a queue whose concurrency ceiling follows the monitor's
// recommended batch size.
func New(monitor *power.Monitor, opts ...Option) (*Queue, error) {
	if monitor == nil {
		return nil, fmt.Errorf("queue: power monitor is required")
	}
	q := &Queue{
		monitor:    monitor,
		maxPending: 512,
		running:    map[uint64]context.CancelFunc{},
		notify:     make(chan struct{}, 1),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Start launches the dispatcher. It returns immediately; the dispatcher runs
// until ctx is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.started = true
	q.cancel = cancel
	q.mu.Unlock()

	stateChanges := q.monitor.Subscribe()
	q.wg.Add(1)
	go q.dispatch(runCtx, stateChanges)
	return nil
}

// Stop rejects further submissions, drops the backlog, cancels in-flight
// work, and waits for workers to return. Dropped items resolve their tickets
// as dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	cancel := q.cancel
	dropped := q.takeBacklogLocked()
	q.mu.Unlock()
	resolveDropped(dropped)
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Enqueue submits work at the given priority. Higher priorities run first.
// Submission never blocks: a full backlog returns ErrQueueFull. The returned
// ticket resolves when the item has run or been dropped.
func (q *Queue) Enqueue(priority int, name string, work Work) (*Ticket, error) {
	if work == nil {
		return nil, fmt.Errorf("queue: work is required")
	}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	if q.pending.Len() >= q.maxPending {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w (pending=%d)", ErrQueueFull, q.maxPending)
	}
	q.seq++
	ticket := &Ticket{done: make(chan struct{})}
	heap.Push(&q.pending, &item{
		priority:   priority,
		seq:        q.seq,
		name:       name,
		work:       work,
		ticket:     ticket,
		enqueuedAt: q.clock(),
	})
	q.mu.Unlock()
	q.wake()
	return ticket, nil
}

// Status describes the queue's current load. UtilizationPercentage measures
// execution slots against the current thermal ceiling; BacklogPercentage
// measures pending items against the backlog bound; OldestWait is how long
// the longest-waiting pending item has been queued.
type Status struct {
	Queued                int
	Running               int
	UtilizationPercentage float64
	BacklogPercentage     float64
	OldestWait            time.Duration
}

// Status reports queued/running counts and pool utilization against the
// current recommended ceiling.
func (q *Queue) Status() Status {
	limit := q.monitor.RecommendedBatchSize()
	now := q.clock()
	q.mu.Lock()
	defer q.mu.Unlock()
	status := Status{
		Queued:  q.pending.Len(),
		Running: len(q.running),
	}
	if limit > 0 {
		status.UtilizationPercentage = float64(status.Running) / float64(limit) * 100
	}
	if q.maxPending > 0 {
		status.BacklogPercentage = float64(status.Queued) / float64(q.maxPending) * 100
	}
	for _, it := range q.pending {
		if wait := now.Sub(it.enqueuedAt); wait > status.OldestWait {
			status.OldestWait = wait
		}
	}
	return status
}

// CancelAll drops every pending item and requests cooperative cancellation
// of in-flight work. Pending items never start: their tickets resolve as
// dropped. Running items keep going until they observe their cancelled
// context. The queue continues accepting new submissions afterwards.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	dropped := q.takeBacklogLocked()
	cancels := make([]context.CancelFunc, 0, len(q.running))
	for _, cancel := range q.running {
		cancels = append(cancels, cancel)
	}
	q.mu.Unlock()
	resolveDropped(dropped)
	for _, cancel := range cancels {
		cancel()
	}
	q.log.Info("queue: cancel-all dropped %d pending, signalled %d running", len(dropped), len(cancels))
}

// takeBacklogLocked empties the pending heap and hands the items back so
// their tickets can be resolved outside the lock.
func (q *Queue) takeBacklogLocked() []*item {
	dropped := make([]*item, len(q.pending))
	copy(dropped, q.pending)
	q.pending = q.pending[:0]
	return dropped
}

func resolveDropped(items []*item) {
	for _, it := range items {
		it.ticket.dropped = true
		close(it.ticket.done)
	}
}

func (q *Queue) dispatch(ctx context.Context, stateChanges <-chan power.State) {
	defer q.wg.Done()
	for {
		q.launchReady(ctx)
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-stateChanges:
			// Ceiling may have moved; re-evaluate on the next pass.
		}
	}
}

func (q *Queue) launchReady(ctx context.Context) {
	limit := q.monitor.RecommendedBatchSize()
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending.Len() > 0 && len(q.running) < limit {
		next := heap.Pop(&q.pending).(*item)
		itemCtx, cancel := context.WithCancel(ctx)
		q.running[next.seq] = cancel
		q.wg.Add(1)
		go q.runItem(itemCtx, cancel, next)
	}
}

func (q *Queue) runItem(ctx context.Context, cancel context.CancelFunc, it *item) {
	defer q.wg.Done()
	defer cancel()
	if err := runGuarded(ctx, it.work); err != nil && !errors.Is(err, context.Canceled) {
		q.log.Warn("queue: %s failed: %v", it.name, err)
	}
	q.mu.Lock()
	delete(q.running, it.seq)
	q.mu.Unlock()
	close(it.ticket.done)
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// runGuarded keeps a panicking work item from taking down the dispatcher.
func runGuarded(ctx context.Context, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: work panicked: %v", r)
		}
	}()
	return work(ctx)
}

// itemHeap orders by priority descending, then submission sequence ascending.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
