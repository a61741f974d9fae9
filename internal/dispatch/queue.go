package dispatch

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/energizer-project/shardgate/internal/session"
	"github.com/energizer-project/shardgate/internal/util"
)

// ErrQueueStopped is returned by Submit after Stop.
var ErrQueueStopped = errors.New("task queue stopped")

// Task is one unit of handler work bound to a session.
type Task struct {
	SessionID session.ID
	Priority  Priority
	Name      string
	Run       func(ctx context.Context)
}

// shard owns one worker and three FIFO lanes. All tasks of a session land
// on the same shard, so a session's tasks within one lane run in order.
type shard struct {
	mu     sync.Mutex
	lanes  [lanes]*queue.Queue
	signal chan struct{}
}

func newShard() *shard {
	sh := &shard{signal: make(chan struct{}, 1)}
	for i := range sh.lanes {
		sh.lanes[i] = queue.New()
	}
	return sh
}

func (sh *shard) push(t Task) {
	sh.mu.Lock()
	sh.lanes[t.Priority].Add(t)
	sh.mu.Unlock()

	select {
	case sh.signal <- struct{}{}:
	default:
	}
}

func (sh *shard) pop() (Task, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, lane := range sh.lanes {
		if lane.Length() > 0 {
			return lane.Remove().(Task), true
		}
	}
	return Task{}, false
}

// TaskQueue runs handler tasks off the network loops. Different sessions
// proceed concurrently on different shards.
type TaskQueue struct {
	shards  []*shard
	pending atomic.Int64
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// NewTaskQueue creates a queue with the given number of workers, or one per
// CPU when workers is not positive.
func NewTaskQueue(workers int) *TaskQueue {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	q := &TaskQueue{
		shards: make([]*shard, workers),
		logger: util.ComponentLogger("dispatch"),
	}
	for i := range q.shards {
		q.shards[i] = newShard()
	}
	return q
}

// Submit enqueues a task on its session's shard.
func (q *TaskQueue) Submit(t Task) error {
	if q.stopped.Load() {
		return ErrQueueStopped
	}
	if t.Priority < High || t.Priority > Low {
		t.Priority = Normal
	}
	q.pending.Add(1)
	q.shards[t.SessionID%uint64(len(q.shards))].push(t)
	return nil
}

// Pending returns the number of queued and running tasks.
func (q *TaskQueue) Pending() int64 {
	return q.pending.Load()
}

// Workers returns the number of shards.
func (q *TaskQueue) Workers() int {
	return len(q.shards)
}

// Start launches one worker per shard. Workers exit when ctx is cancelled
// or Stop is called.
func (q *TaskQueue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for _, sh := range q.shards {
		q.wg.Add(1)
		go q.work(ctx, sh)
	}
	q.logger.Info().Int("workers", len(q.shards)).Msg("task queue started")
}

func (q *TaskQueue) work(ctx context.Context, sh *shard) {
	defer q.wg.Done()
	for ctx.Err() == nil {
		t, ok := sh.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-sh.signal:
				continue
			}
		}
		q.run(ctx, t)
		q.pending.Add(-1)
	}
}

func (q *TaskQueue) run(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().
				Uint64("session", t.SessionID).
				Str("task", t.Name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()
	t.Run(ctx)
}

// Stop rejects new tasks, stops the workers and waits for running tasks.
// Tasks still queued are dropped.
func (q *TaskQueue) Stop() {
	if !q.stopped.CompareAndSwap(false, true) {
		return
	}
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info().Int64("dropped", q.pending.Load()).Msg("task queue stopped")
}
