package scoring

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"fosgate/api"
)

type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

type pipeDialer struct {
	mu    sync.Mutex
	conns []*countingConn
}

func (d *pipeDialer) dial(context.Context) (net.Conn, error) {
	client, server := net.Pipe()
	server.Close()
	c := &countingConn{Conn: client}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func TestPoolReusesAndClosesOnce(t *testing.T) {
	ctx := context.Background()
	dialer := &pipeDialer{}
	pool := newConnPool(dialer.dial)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := pool.acquire(ctx)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			pool.release(c, false)
		}()
	}
	wg.Wait()

	if idle := pool.idleCount(); idle > n || idle != len(dialer.conns) {
		t.Fatalf("idle = %d, dialed = %d, calls = %d", idle, len(dialer.conns), n)
	}

	c, err := pool.acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool.release(c, true)
	if got := c.Conn.(*countingConn).closes.Load(); got != 1 {
		t.Fatalf("broken connection closed %d times", got)
	}

	inUse, err := pool.acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := pool.close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := pool.close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	pool.release(inUse, false)

	if _, err := pool.acquire(ctx); !errors.Is(err, api.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported after close, got %v", err)
	}
	for i, c := range dialer.conns {
		if got := c.closes.Load(); got != 1 {
			t.Errorf("connection %d closed %d times", i, got)
		}
	}
	if pool.idleCount() != 0 {
		t.Fatalf("expected an empty pool after close")
	}
}
