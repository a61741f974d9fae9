// Package network implements the client listener and the per-connection
// owner loop that drives a session.
package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const readBufferSize = 4096

var (
	// ErrConnClosed is returned by Write after Close.
	ErrConnClosed = errors.New("connection is closed")
	// ErrBacklogFull means the peer stopped reading; the connection is dropped.
	ErrBacklogFull = errors.New("write backlog full")
)

// Owner consumes a connection's inbound bytes. Both methods run on the
// connection's owner loop, never concurrently with each other or with
// posted work.
type Owner interface {
	// OnData handles one raw chunk. Returning false closes the connection.
	OnData(chunk []byte) bool
	// OnClose runs once after the connection stopped.
	OnClose()
}

// ConnOptions tunes a Connection.
type ConnOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	WriteBacklog int
}

// Connection wraps an accepted client socket. A reader goroutine feeds raw
// chunks to the owner loop, a writer goroutine drains outbound bytes, and the
// owner loop runs inbound chunks and posted work one at a time.
type Connection struct {
	conn   net.Conn
	remote string
	opts   ConnOptions
	logger zerolog.Logger

	mu     sync.Mutex
	posted []func()
	notify chan struct{}

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	serving   atomic.Bool

	connectedAt time.Time
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
}

// NewConnection wraps an existing net.Conn.
func NewConnection(conn net.Conn, opts ConnOptions) *Connection {
	if opts.WriteBacklog <= 0 {
		opts.WriteBacklog = 64
	}
	remote := conn.RemoteAddr().String()
	return &Connection{
		conn:        conn,
		remote:      remote,
		opts:        opts,
		logger:      log.With().Str("component", "connection").Str("remote", remote).Logger(),
		notify:      make(chan struct{}, 1),
		out:         make(chan []byte, opts.WriteBacklog),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// Post schedules fn on the owner loop. It never blocks, so posted work may
// post again. It reports false once the connection is closed; accepted work
// always runs.
func (c *Connection) Post(fn func()) bool {
	// done is checked under mu: Serve drains posted under the same lock only
	// after done is closed, so nothing can be appended behind the final drain.
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return false
	default:
	}
	c.posted = append(c.posted, fn)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// Write queues wire bytes for the writer. A peer that lets the backlog fill
// up is disconnected.
func (c *Connection) Write(p []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.out <- p:
		return nil
	default:
		c.logger.Warn().Int("backlog", cap(c.out)).Msg("write backlog full, dropping connection")
		c.Close()
		return ErrBacklogFull
	}
}

// Close stops the connection. Bytes already queued are still flushed within
// the write timeout. It never blocks and is idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if !c.serving.Load() {
			c.conn.Close()
		}
	})
	return nil
}

// Done is closed once Close was called.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() string {
	return c.remote
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// BytesIn returns the raw bytes read so far.
func (c *Connection) BytesIn() uint64 { return c.bytesIn.Load() }

// BytesOut returns the raw bytes written so far.
func (c *Connection) BytesOut() uint64 { return c.bytesOut.Load() }

// Serve runs the owner loop until the connection closes or ctx is cancelled.
// It returns after the reader and writer goroutines have exited.
func (c *Connection) Serve(ctx context.Context, owner Owner) {
	c.serving.Store(true)
	select {
	case <-c.done:
		c.conn.Close()
		c.runPosted()
		owner.OnClose()
		return
	default:
	}

	in := make(chan []byte)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop(in)
	}()
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	running := true
	for running {
		select {
		case <-ctx.Done():
			c.Close()
			running = false
		case <-c.done:
			running = false
		case chunk, ok := <-in:
			if !ok || !owner.OnData(chunk) {
				c.Close()
				running = false
			}
		case <-c.notify:
			c.runPosted()
		}
	}

	// Work posted before Close still runs so it can observe the closed state.
	c.runPosted()
	owner.OnClose()
	wg.Wait()
	c.logger.Debug().
		Uint64("bytes_in", c.bytesIn.Load()).
		Uint64("bytes_out", c.bytesOut.Load()).
		Msg("connection closed")
}

func (c *Connection) runPosted() {
	c.mu.Lock()
	work := c.posted
	c.posted = nil
	c.mu.Unlock()

	for _, fn := range work {
		fn()
	}
}

func (c *Connection) readLoop(in chan<- []byte) {
	defer close(in)
	buf := make([]byte, readBufferSize)
	for {
		if c.opts.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.bytesIn.Add(uint64(n))
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case in <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			select {
			case <-c.done:
			default:
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					c.logger.Info().Dur("timeout", c.opts.ReadTimeout).Msg("connection idle, closing")
				} else {
					c.logger.Debug().Err(err).Msg("read ended")
				}
			}
			return
		}
	}
}

func (c *Connection) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case p := <-c.out:
			if err := c.write(p); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case p := <-c.out:
					if c.write(p) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Connection) write(p []byte) error {
	if c.opts.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	n, err := c.conn.Write(p)
	c.bytesOut.Add(uint64(n))
	return err
}
