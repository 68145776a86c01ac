package ninep

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// A connection that delays writes by a random amount and can be cut after a
// number of bytes were written.
type flakyConn struct {
	net.Conn

	MinDelay time.Duration
	MaxDelay time.Duration
	// when positive, the connection is closed once this many bytes were
	// written through it
	DropAfter int

	mu      sync.Mutex
	written int
}

func (c *flakyConn) delay() time.Duration {
	if c.MaxDelay <= c.MinDelay {
		return c.MinDelay
	}
	return time.Duration(rand.Int63n(int64(c.MaxDelay-c.MinDelay))) + c.MinDelay
}

func (c *flakyConn) Write(b []byte) (int, error) {
	time.Sleep(c.delay())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DropAfter > 0 && c.written+len(b) > c.DropAfter {
		c.Conn.Close()
		return 0, net.ErrClosed
	}
	n, err := c.Conn.Write(b)
	c.written += n
	return n, err
}
