package network

import (
	"net"
	"syscall"
	"time"
)

// ListenConfig returns the listen configuration shared by the login listener
// and the API. Sockets get SO_REUSEADDR so a restarted process can rebind a
// port still in TIME_WAIT. keepAlive sets the TCP keep-alive period of
// accepted connections; zero keeps the OS default.
func ListenConfig(keepAlive time.Duration) net.ListenConfig {
	return net.ListenConfig{
		KeepAlive: keepAlive,
		Control: func(_, _ string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) { opErr = setReuseAddr(fd) }); err != nil {
				return err
			}
			return opErr
		},
	}
}
