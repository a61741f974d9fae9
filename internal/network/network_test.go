package network

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/shardgate/internal/cipher"
	"github.com/energizer-project/shardgate/internal/compression"
	"github.com/energizer-project/shardgate/internal/config"
	"github.com/energizer-project/shardgate/internal/diag"
	"github.com/energizer-project/shardgate/internal/dispatch"
	"github.com/energizer-project/shardgate/internal/protocol"
	"github.com/energizer-project/shardgate/internal/session"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// recordingOwner collects chunks on the owner loop.
type recordingOwner struct {
	mu     sync.Mutex
	chunks [][]byte
	closed chan struct{}
	stopAt int
}

func newRecordingOwner() *recordingOwner {
	return &recordingOwner{closed: make(chan struct{})}
}

func (o *recordingOwner) OnData(chunk []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chunks = append(o.chunks, chunk)
	return o.stopAt == 0 || len(o.chunks) < o.stopAt
}

func (o *recordingOwner) OnClose() { close(o.closed) }

func (o *recordingOwner) received() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []byte
	for _, c := range o.chunks {
		out = append(out, c...)
	}
	return out
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestConnectionFeedsOwnerAndWrites(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()

	conn := NewConnection(server, ConnOptions{WriteTimeout: time.Second})
	owner := newRecordingOwner()
	go conn.Serve(context.Background(), owner)

	_, err := peer.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(owner.received()) == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Write([]byte("hello")))
	buf := make([]byte, 5)
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	conn.Close()
	waitClosed(t, owner.closed)
	assert.False(t, conn.Post(func() {}))
	assert.ErrorIs(t, conn.Write([]byte{1}), ErrConnClosed)
}

func TestConnectionPostRunsInOrder(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()

	conn := NewConnection(server, ConnOptions{})
	owner := newRecordingOwner()
	go conn.Serve(context.Background(), owner)

	var got []int
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		require.True(t, conn.Post(func() {
			got = append(got, i)
			if i == 49 {
				// Posting from the owner loop must not deadlock.
				conn.Post(func() { close(done) })
			}
		}))
	}
	waitClosed(t, done)

	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
	conn.Close()
	waitClosed(t, owner.closed)
}

func TestConnectionRunsEveryAcceptedPost(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()

	conn := NewConnection(server, ConnOptions{})
	owner := newRecordingOwner()
	go conn.Serve(context.Background(), owner)

	var accepted, ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if conn.Post(func() { ran.Add(1) }) {
					accepted.Add(1)
				}
			}
		}()
	}
	time.Sleep(time.Millisecond)
	conn.Close()
	waitClosed(t, owner.closed)
	wg.Wait()

	assert.Equal(t, accepted.Load(), ran.Load())
	assert.False(t, conn.Post(func() {}))
}

func TestConnectionFlushesQueuedBytesOnClose(t *testing.T) {
	server, peer := net.Pipe()

	conn := NewConnection(server, ConnOptions{WriteTimeout: time.Second})
	owner := newRecordingOwner()
	go conn.Serve(context.Background(), owner)

	// Wait for the owner loop so Close goes through the writer.
	running := make(chan struct{})
	require.True(t, conn.Post(func() { close(running) }))
	waitClosed(t, running)

	require.NoError(t, conn.Write([]byte("bye")))
	conn.Close()

	data, err := io.ReadAll(peer)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))
	waitClosed(t, owner.closed)
}

func TestConnectionDropsSlowReader(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()

	conn := NewConnection(server, ConnOptions{WriteBacklog: 2, WriteTimeout: 50 * time.Millisecond})
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = conn.Write([]byte{byte(i)})
	}
	assert.ErrorIs(t, err, ErrBacklogFull)

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection should be closed")
	}
}

func TestConnectionOwnerCanStop(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()

	conn := NewConnection(server, ConnOptions{})
	owner := newRecordingOwner()
	owner.stopAt = 1
	go conn.Serve(context.Background(), owner)

	_, err := peer.Write([]byte{9})
	require.NoError(t, err)
	waitClosed(t, owner.closed)
}

func TestConnectionStopsWithContext(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	conn := NewConnection(server, ConnOptions{})
	owner := newRecordingOwner()
	go conn.Serve(ctx, owner)

	cancel()
	waitClosed(t, owner.closed)
}

func TestThrottleWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	th := newConnectThrottle(2)
	th.now = func() time.Time { return now }

	assert.True(t, th.allow("10.0.0.1"))
	assert.True(t, th.allow("10.0.0.1"))
	assert.False(t, th.allow("10.0.0.1"))
	assert.True(t, th.allow("10.0.0.2"))

	now = now.Add(time.Second)
	assert.True(t, th.allow("10.0.0.1"))

	now = now.Add(3 * time.Second)
	assert.Equal(t, 2, th.prune())

	assert.True(t, newConnectThrottle(0).allow("10.0.0.1"))
}

// harness wires a listener on a loopback port with a Ping recorder.
type harness struct {
	listener *TCPListener
	sessions *session.Table
	stats    *diag.Stats
	pings    chan uint8
	addr     string
}

func startGateway(t *testing.T, policy Policy, tweak func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Network.ConnectRate = 0
	cfg.Protocol.FaultThreshold = 2
	if tweak != nil {
		tweak(cfg)
	}

	g := &harness{
		sessions: session.NewTable(),
		stats:    diag.NewStats(),
		pings:    make(chan uint8, 16),
	}
	registry := dispatch.NewRegistry()
	require.NoError(t, dispatch.Bind[protocol.Ping](registry))
	require.NoError(t, dispatch.Handle(registry, dispatch.Normal, func(ctx context.Context, s *session.Session, p *protocol.Ping) {
		g.pings <- p.Sequence
	}))
	queue := dispatch.NewTaskQueue(2)
	ctx, cancel := context.WithCancel(context.Background())
	queue.Start(ctx)

	g.listener = NewTCPListener(cfg, g.sessions, dispatch.NewDispatcher(registry, g.sessions, queue, g.stats), policy, g.stats, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g.addr = ln.Addr().String()

	served := make(chan struct{})
	go func() {
		defer close(served)
		g.listener.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
		queue.Stop()
	})
	return g
}

func (g *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", g.addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (g *harness) only(t *testing.T) *session.Session {
	t.Helper()
	require.Eventually(t, func() bool { return g.sessions.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	return g.sessions.List()[0]
}

func (g *harness) ping(t *testing.T) uint8 {
	t.Helper()
	select {
	case v := <-g.pings:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no ping dispatched")
		return 0
	}
}

var v7 = protocol.ClientVersion{Major: 7, Revision: 9}

func TestHandshakeWithSeedFrameInOneChunk(t *testing.T) {
	g := startGateway(t, StaticPolicy(session.None), nil)
	c := g.dial(t)

	seed := (&protocol.LoginSeed{Seed: 42, Version: v7}).Encode()
	stream := append(seed, (&protocol.Ping{Sequence: 7}).Encode()...)
	_, err := c.Write(stream)
	require.NoError(t, err)

	assert.Equal(t, uint8(7), g.ping(t))
	s := g.only(t)
	assert.Equal(t, session.Connected, s.State())
	assert.Equal(t, v7, s.Version())
	assert.Equal(t, session.None, s.Features())
}

func TestHandshakeSplitAcrossReads(t *testing.T) {
	g := startGateway(t, StaticPolicy(session.None), nil)
	c := g.dial(t)

	stream := append((&protocol.LoginSeed{Seed: 42, Version: v7}).Encode(), (&protocol.Ping{Sequence: 3}).Encode()...)
	for _, b := range stream {
		_, err := c.Write([]byte{b})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, uint8(3), g.ping(t))
}

func TestLegacySeedUsesDefaultVersion(t *testing.T) {
	g := startGateway(t, StaticPolicy(session.None), func(cfg *config.Config) {
		cfg.Protocol.DefaultVersion = "5.0.9.1"
	})
	c := g.dial(t)

	_, err := c.Write([]byte{0x0A, 0x00, 0x00, 0x01, protocol.OpPing, 1})
	require.NoError(t, err)

	assert.Equal(t, uint8(1), g.ping(t))
	assert.Equal(t, protocol.ClientVersion{Major: 5, Revision: 9, Patch: 1}, g.only(t).Version())
}

func TestEncryptedStreamAfterHandshake(t *testing.T) {
	g := startGateway(t, StaticPolicy(session.FeatureEncryption), nil)
	c := g.dial(t)

	const seed = 0xC0FFEE
	_, err := c.Write((&protocol.LoginSeed{Seed: seed, Version: v7}).Encode())
	require.NoError(t, err)

	client := cipher.NewLoginCipher(seed, cipher.DeriveKeys(v7))
	for _, seq := range []uint8{10, 11} {
		plain := (&protocol.Ping{Sequence: seq}).Encode()
		enc := make([]byte, len(plain))
		client.XORKeyStream(enc, plain)
		_, err := c.Write(enc)
		require.NoError(t, err)
		assert.Equal(t, seq, g.ping(t))
	}

	s := g.only(t)
	assert.Equal(t, session.FeatureEncryption, s.Features())
	assert.Equal(t, []string{cipher.StageName}, s.Stages())
}

func TestCompressionDroppedWhenNotAllowedWithEncryption(t *testing.T) {
	g := startGateway(t, StaticPolicy(session.FeatureEncryption|session.FeatureCompression), func(cfg *config.Config) {
		cfg.Protocol.AllowCompressionWithEncryption = false
	})
	c := g.dial(t)

	_, err := c.Write((&protocol.LoginSeed{Seed: 1, Version: v7}).Encode())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return g.sessions.Count() == 1 && g.sessions.List()[0].State() == session.Connected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, session.FeatureEncryption, g.only(t).Features())
}

func TestCompressedStream(t *testing.T) {
	g := startGateway(t, StaticPolicy(session.FeatureCompression), nil)
	c := g.dial(t)

	unit := compression.Compress(nil, (&protocol.Ping{Sequence: 99}).Encode())
	stream := append((&protocol.LoginSeed{Seed: 1, Version: v7}).Encode(), unit...)
	_, err := c.Write(stream)
	require.NoError(t, err)
	assert.Equal(t, uint8(99), g.ping(t))
}

func TestFramingFaultsPastThresholdDropClient(t *testing.T) {
	g := startGateway(t, StaticPolicy(session.None), nil)
	c := g.dial(t)

	_, err := c.Write((&protocol.LoginSeed{Seed: 1, Version: v7}).Encode())
	require.NoError(t, err)
	s := g.only(t)

	// Each unknown opcode discards the buffer and costs one fault.
	for i := 0; i < 3; i++ {
		_, err := c.Write([]byte{0xFE, 0x00})
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err, "server should hang up")
	assert.Equal(t, session.Error, s.State())
	assert.Equal(t, int64(3), s.Faults())
	require.Eventually(t, func() bool { return g.sessions.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(3), g.stats.Snapshot().Faults["framing"])
}

func TestMaxConnectionsRefusesExtraClients(t *testing.T) {
	g := startGateway(t, StaticPolicy(session.None), func(cfg *config.Config) {
		cfg.Network.MaxConnections = 1
	})
	first := g.dial(t)
	_, err := first.Write((&protocol.LoginSeed{Seed: 1, Version: v7}).Encode())
	require.NoError(t, err)
	g.only(t)

	second := g.dial(t)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, int64(1), g.listener.Active())
}
