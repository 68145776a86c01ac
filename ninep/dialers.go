package ninep

import (
	"net"
	"strings"
	"time"
)

type Dialer interface {
	Dial(network, address string) (net.Conn, error)
	Listen(network, address string) (net.Listener, error)
}

// ParseDialString splits a plan9 style dial string ("unix!/run/vfs.sock",
// "tcp!localhost:564") into a network and address. A string without a
// network is treated as a unix socket path.
func ParseDialString(s string) (network, addr string) {
	if i := strings.Index(s, "!"); i != -1 {
		return s[:i], s[i+1:]
	}
	return "unix", s
}

// Dials unix sockets and tcp addresses, with optional tcp keep alive.
type NetDialer struct {
	KeepAlivePeriod time.Duration
}

func (d *NetDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := net.Dial(network, addr)
	if err == nil {
		if tcp, ok := conn.(*net.TCPConn); ok && d.KeepAlivePeriod != 0 {
			if err = tcp.SetKeepAlive(true); err != nil {
				conn.Close()
				return nil, err
			}
			if err = tcp.SetKeepAlivePeriod(d.KeepAlivePeriod); err != nil {
				conn.Close()
				return nil, err
			}
		}
	}
	return conn, err
}

func (d *NetDialer) Listen(network, addr string) (net.Listener, error) {
	return net.Listen(network, addr)
}
