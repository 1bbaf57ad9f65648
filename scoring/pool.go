package scoring

import (
	"bufio"
	"context"
	"net"
	"sync"

	"go.uber.org/multierr"
)

const bufferSize = 4 << 10

// conn is a pooled scoring connection with its framing buffers.
type conn struct {
	net.Conn
	r *bufio.Reader
	w *bufio.Writer
}

func newConn(c net.Conn) *conn {
	if tcp, ok := c.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return &conn{Conn: c, r: bufio.NewReaderSize(c, bufferSize), w: bufio.NewWriterSize(c, bufferSize)}
}

type dialFunc func(ctx context.Context) (net.Conn, error)

// connPool is an unbounded free-list of connections to one endpoint.
// acquire and release are its only operations besides close.
type connPool struct {
	dial dialFunc

	mu     sync.Mutex
	idle   []*conn
	closed bool
}

func newConnPool(dial dialFunc) *connPool {
	return &connPool{dial: dial}
}

// acquire pops an idle connection or dials a new one.
func (p *connPool) acquire(ctx context.Context) (*conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errScorerClosed
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	raw, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	return newConn(raw), nil
}

// release returns c to the free-list. Broken connections, and any connection
// released after close, are closed instead.
func (p *connPool) release(c *conn, broken bool) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if broken || p.closed {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// close closes every idle connection once. Connections still in use are
// closed when released.
func (p *connPool) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs error
	for _, c := range idle {
		errs = multierr.Append(errs, c.Close())
	}
	return errs
}

func (p *connPool) idleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
