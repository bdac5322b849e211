package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// idleConn refreshes its connection's deadline on every successful read or
// write, turning an absolute deadline into an idle timeout.
type idleConn struct {
	net.Conn
	idle time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		_ = c.Conn.SetDeadline(time.Now().Add(c.idle))
	}
	return n, err
}

func (c *idleConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		_ = c.Conn.SetDeadline(time.Now().Add(c.idle))
	}
	return n, err
}

// CopyBidirectional splices bytes between left and right until either side
// closes, the context is canceled, or no byte moves for idleTimeout.
func CopyBidirectional(ctx context.Context, left, right net.Conn, idleTimeout time.Duration) error {
	if idleTimeout > 0 {
		dl := time.Now().Add(idleTimeout)
		_ = left.SetDeadline(dl)
		_ = right.SetDeadline(dl)
		left = &idleConn{Conn: left, idle: idleTimeout}
		right = &idleConn{Conn: right, idle: idleTimeout}
	}

	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	// Whichever direction ends first closes both sides, which ends the
	// other direction too.
	g.Go(func() error {
		_, err := io.Copy(left, right)
		closeBoth()
		return err
	})

	g.Go(func() error {
		_, err := io.Copy(right, left)
		closeBoth()
		return err
	})

	// If the context is canceled, ensure we close both sides to unblock Copy.
	g.Go(func() error {
		<-gctx.Done()
		closeBoth()
		return nil
	})

	return g.Wait()
}
