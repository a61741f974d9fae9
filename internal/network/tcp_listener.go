package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shardgate/internal/config"
	"github.com/energizer-project/shardgate/internal/diag"
	"github.com/energizer-project/shardgate/internal/dispatch"
	"github.com/energizer-project/shardgate/internal/events"
	"github.com/energizer-project/shardgate/internal/session"
)

// clientKeepAlive detects clients that vanished without a FIN.
const clientKeepAlive = 30 * time.Second

// TCPListener accepts game clients. Every connection gets its own session,
// registered in the session table for the lifetime of the socket.
type TCPListener struct {
	cfg        *config.Config
	sessions   *session.Table
	dispatcher *dispatch.Dispatcher
	policy     Policy
	stats      *diag.Stats
	bus        *events.Bus
	throttle   *connectThrottle

	mu       sync.Mutex
	listener net.Listener
	active   atomic.Int64
	wg       sync.WaitGroup
}

// NewTCPListener creates a new TCP listener.
func NewTCPListener(cfg *config.Config, sessions *session.Table, dispatcher *dispatch.Dispatcher, policy Policy, stats *diag.Stats, bus *events.Bus) *TCPListener {
	return &TCPListener{
		cfg:        cfg,
		sessions:   sessions,
		dispatcher: dispatcher,
		policy:     policy,
		stats:      stats,
		bus:        bus,
		throttle:   newConnectThrottle(cfg.GetNetwork().ConnectRate),
	}
}

// Start binds the configured address and serves until ctx is cancelled.
func (l *TCPListener) Start(ctx context.Context) error {
	addr := l.cfg.GetNetwork().ListenAddr()

	lc := ListenConfig(clientKeepAlive)
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", addr, err)
	}
	return l.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// every connection to wind down.
func (l *TCPListener) Serve(ctx context.Context, ln net.Listener) error {
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("TCP listener started")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	defer l.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("TCP listener stopping")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		if !l.admit(conn) {
			conn.Close()
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.active.Add(-1)
			l.handleConnection(ctx, conn)
		}()
	}
}

func (l *TCPListener) admit(conn net.Conn) bool {
	ip := extractIP(conn.RemoteAddr())
	if !l.throttle.allow(ip) {
		log.Warn().Str("ip", ip).Msg("connect rate exceeded, refusing connection")
		return false
	}
	if limit := l.cfg.GetNetwork().MaxConnections; limit > 0 && l.active.Load() >= int64(limit) {
		log.Warn().Int("max", limit).Str("ip", ip).Msg("connection limit reached, refusing connection")
		return false
	}
	l.active.Add(1)
	return true
}

// handleConnection owns one client socket from accept to close.
func (l *TCPListener) handleConnection(ctx context.Context, raw net.Conn) {
	netCfg := l.cfg.GetNetwork()
	protoCfg := l.cfg.GetProtocol()

	conn := NewConnection(raw, ConnOptions{
		ReadTimeout:  netCfg.ReadTimeoutDuration(),
		WriteTimeout: netCfg.WriteTimeoutDuration(),
		WriteBacklog: netCfg.WriteBacklog,
	})

	var observer diag.Observer = l.stats
	if l.cfg.GetLogging().PacketTrace {
		observer = diag.Multi{l.stats, diag.LogObserver{Logger: log.With().Str("component", "trace").Logger()}}
	}

	s := session.New(l.sessions.NextID(), conn, session.Options{
		FaultThreshold: protoCfg.FaultThreshold,
		MaxFrame:       protoCfg.MaxFrame,
		Lengths:        l.dispatcher.Registry().Lengths(),
		Observer:       observer,
		Bus:            l.bus,
	})
	if err := l.sessions.Add(s); err != nil {
		log.Error().Err(err).Msg("failed to register session")
		conn.Close()
		return
	}
	defer l.sessions.Remove(s.ID())

	l.stats.SessionOpened()
	defer l.stats.SessionClosed()

	logger := s.Logger()
	logger.Debug().Msg("client connected")
	if l.bus != nil {
		l.bus.Emit(ctx, events.Event{
			Type:    events.EventSessionConnected,
			Source:  fmt.Sprintf("session:%d", s.ID()),
			Payload: events.SessionPayload{SessionID: s.ID(), Remote: conn.RemoteAddr()},
		})
	}

	owner := newClient(ctx, s, l.dispatcher, l.policy, HandshakeOptions{
		DefaultVersion:                 protoCfg.ClientVersion(),
		AllowCompressionWithEncryption: protoCfg.AllowCompressionWithEncryption,
	}, l.stats)
	conn.Serve(ctx, owner)
}

// Addr returns the bound address, or nil before Serve.
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Active returns the number of open client connections.
func (l *TCPListener) Active() int64 {
	return l.active.Load()
}

// PruneThrottle drops expired connect-rate windows.
func (l *TCPListener) PruneThrottle() int {
	return l.throttle.prune()
}

// Stop closes the listening socket. Open connections end when the context
// passed to Start is cancelled.
func (l *TCPListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
