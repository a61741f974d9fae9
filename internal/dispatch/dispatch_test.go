package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/shardgate/internal/diag"
	"github.com/energizer-project/shardgate/internal/protocol"
	"github.com/energizer-project/shardgate/internal/session"
	"github.com/energizer-project/shardgate/internal/session/sessiontest"
)

// impostor claims the Ping opcode with a different shape.
type impostor struct{ protocol.Ping }

func (*impostor) Length() int { return 3 }

func TestBindIsIdempotentPerType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Bind[protocol.Ping](r))
	require.NoError(t, Bind[protocol.Ping](r))
	assert.True(t, IsBound[protocol.Ping](r))
	assert.False(t, IsBound[impostor](r))

	err := Bind[impostor](r)
	assert.ErrorIs(t, err, ErrOpcodeTaken)
	assert.True(t, IsBound[protocol.Ping](r))

	require.NoError(t, Bind[impostor](r, Replace()))
	assert.True(t, IsBound[impostor](r))
	assert.False(t, IsBound[protocol.Ping](r))
	assert.Equal(t, 3, r.Lengths().Lookup(protocol.OpPing))
}

func TestHandleRequiresBinding(t *testing.T) {
	r := NewRegistry()
	err := Handle(r, Normal, func(ctx context.Context, s *session.Session, p *protocol.Ping) {})
	assert.ErrorIs(t, err, ErrNotBound)

	require.NoError(t, Bind[protocol.Ping](r))
	require.NoError(t, Handle(r, Normal, func(ctx context.Context, s *session.Session, p *protocol.Ping) {}))

	bindings := r.Bindings()
	require.Len(t, bindings, 1)
	assert.Equal(t, Binding{Opcode: "0x73", Name: "Ping", Length: 2, Handlers: 1}, bindings[0])
}

func TestReplaceDropsOldHandlers(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Bind[protocol.Ping](r))
	require.NoError(t, Handle(r, Normal, func(ctx context.Context, s *session.Session, p *protocol.Ping) {}))
	require.NoError(t, Bind[impostor](r, Replace()))
	assert.Equal(t, 0, r.Bindings()[0].Handlers)
}

type fixture struct {
	registry   *Registry
	table      *session.Table
	queue      *TaskQueue
	dispatcher *Dispatcher
	stats      *diag.Stats
}

func newFixture(t *testing.T, workers int) *fixture {
	t.Helper()
	f := &fixture{
		registry: NewRegistry(),
		table:    session.NewTable(),
		queue:    NewTaskQueue(workers),
		stats:    diag.NewStats(),
	}
	f.dispatcher = NewDispatcher(f.registry, f.table, f.queue, f.stats)
	f.queue.Start(context.Background())
	t.Cleanup(f.queue.Stop)
	return f
}

func (f *fixture) session(t *testing.T) *session.Session {
	t.Helper()
	nop := zerolog.Nop()
	s := session.New(f.table.NextID(), sessiontest.NewTransport(), session.Options{Logger: &nop, FaultThreshold: 100, Observer: f.stats})
	require.NoError(t, f.table.Add(s))
	return s
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	f := newFixture(t, 4)
	require.NoError(t, Bind[protocol.Ping](f.registry))

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 2)
	for _, name := range []string{"first", "second"} {
		require.NoError(t, Handle(f.registry, Normal, func(ctx context.Context, s *session.Session, p *protocol.Ping) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			done <- struct{}{}
		}))
	}

	s := f.session(t)
	require.NoError(t, f.dispatcher.Dispatch(s, (&protocol.Ping{Sequence: 1}).Encode()))
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handlers did not run")
		}
	}
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPerSessionLaneIsFIFO(t *testing.T) {
	f := newFixture(t, 3)
	require.NoError(t, Bind[protocol.Ping](f.registry))

	const n = 200
	var mu sync.Mutex
	seen := map[session.ID][]uint8{}
	var wg sync.WaitGroup
	wg.Add(2 * n)
	require.NoError(t, Handle(f.registry, Normal, func(ctx context.Context, s *session.Session, p *protocol.Ping) {
		mu.Lock()
		seen[s.ID()] = append(seen[s.ID()], p.Sequence)
		mu.Unlock()
		wg.Done()
	}))

	a, b := f.session(t), f.session(t)
	for i := 0; i < n; i++ {
		require.NoError(t, f.dispatcher.Dispatch(a, (&protocol.Ping{Sequence: uint8(i)}).Encode()))
		require.NoError(t, f.dispatcher.Dispatch(b, (&protocol.Ping{Sequence: uint8(i)}).Encode()))
	}
	wg.Wait()

	for _, id := range []session.ID{a.ID(), b.ID()} {
		got := seen[id]
		require.Len(t, got, n)
		for i, v := range got {
			require.Equal(t, uint8(i), v, "session %d out of order at %d", id, i)
		}
	}
}

func TestUnboundOpcodeIsDroppedWithoutFault(t *testing.T) {
	f := newFixture(t, 1)
	s := f.session(t)

	require.NoError(t, f.dispatcher.Dispatch(s, (&protocol.Ping{}).Encode()))
	assert.Zero(t, s.Faults())
	assert.Zero(t, f.queue.Pending())
}

func TestDecodeFailureChargesFault(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, Bind[protocol.PlayCharacter](f.registry))
	s := f.session(t)

	frame := (&protocol.PlayCharacter{Name: "x"}).Encode()
	frame[1] = 0 // break the fixed pattern
	err := f.dispatcher.Dispatch(s, frame)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, int64(1), s.Faults())
	assert.Equal(t, uint64(1), f.stats.Snapshot().Faults["decode"])
}

func TestLateTaskOnClosedSessionIsNoop(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, Bind[protocol.Ping](f.registry))

	release := make(chan struct{})
	ran := make(chan session.ID, 4)
	require.NoError(t, Handle(f.registry, Normal, func(ctx context.Context, s *session.Session, p *protocol.Ping) {
		ran <- s.ID()
	}))

	blocker := f.session(t)
	victim := f.session(t)

	// Park the single worker so the victim's task is still queued when the
	// victim disconnects.
	require.NoError(t, f.queue.Submit(Task{SessionID: blocker.ID(), Priority: High, Run: func(ctx context.Context) { <-release }}))
	require.NoError(t, f.dispatcher.Dispatch(victim, (&protocol.Ping{}).Encode()))
	victim.Disconnect("gone")
	close(release)

	require.NoError(t, f.dispatcher.Dispatch(blocker, (&protocol.Ping{}).Encode()))
	select {
	case id := <-ran:
		assert.Equal(t, blocker.ID(), id, "the closed session's task must not run its handler")
	case <-time.After(2 * time.Second):
		t.Fatal("blocker handler did not run")
	}
}

func TestQueueRecoversFromPanics(t *testing.T) {
	q := NewTaskQueue(1)
	q.Start(context.Background())
	defer q.Stop()

	done := make(chan struct{})
	require.NoError(t, q.Submit(Task{SessionID: 1, Run: func(ctx context.Context) { panic("bad handler") }}))
	require.NoError(t, q.Submit(Task{SessionID: 1, Run: func(ctx context.Context) { close(done) }}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue stalled after a panic")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	q := NewTaskQueue(2)
	q.Start(context.Background())
	q.Stop()
	assert.ErrorIs(t, q.Submit(Task{SessionID: 1, Run: func(context.Context) {}}), ErrQueueStopped)
}

func TestHighLaneRunsFirst(t *testing.T) {
	q := NewTaskQueue(1)
	var order []Priority
	var wg sync.WaitGroup
	wg.Add(3)
	for _, p := range []Priority{Low, Normal, High} {
		require.NoError(t, q.Submit(Task{SessionID: 1, Priority: p, Run: func(context.Context) {
			order = append(order, p)
			wg.Done()
		}}))
	}
	q.Start(context.Background())
	defer q.Stop()
	wg.Wait()
	assert.Equal(t, []Priority{High, Normal, Low}, order)
}
