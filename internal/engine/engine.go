// Package engine owns the accept loop and worker dispatch behind one
// contract with pluggable strategies: single (serve inline), spawn (one
// worker goroutine per connection) and pool (pre-spawned workers with a
// parent-maintained scoreboard).
package engine

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sieveproxy/sieve/internal/logging"
)

// Handler serves one accepted connection and returns when it is closed.
type Handler func(conn net.Conn)

// Engine accepts connections and dispatches them to workers.
type Engine interface {
	// Start initializes bookkeeping and, for pre-spawned strategies,
	// launches the initial workers.
	Start() error

	// Run performs one accept and dispatch round; it may block for about
	// 10ms. It returns net.ErrClosed once the listener is gone.
	Run() error

	// Stop terminates live workers, reaping them, and releases engine
	// resources. The listener itself is closed by the caller.
	Stop() error
}

// Config tunes an engine. Zero values are filled by the constructor.
type Config struct {
	// MaxClients caps concurrently served connections.
	MaxClients int

	// StartServers, MinSpareServers, MaxSpareServers and
	// MaxRequestsPerChild tune the pool strategy.
	StartServers        int
	MinSpareServers     int
	MaxSpareServers     int
	MaxRequestsPerChild int

	// VerifyDelay is the pool's liveness probe interval.
	VerifyDelay time.Duration

	// OnReap is called when workers are reaped, with the number of
	// connections they served. Connection counters advance here, never in
	// the worker itself.
	OnReap func(served int)

	// Log receives PROCESS-category lines.
	Log *logging.Logger
}

func (c *Config) fill() {
	if c.MaxClients <= 0 {
		c.MaxClients = 10
	}
	if c.StartServers <= 0 {
		c.StartServers = 4
	}
	if c.MinSpareServers <= 0 {
		c.MinSpareServers = 1
	}
	if c.MaxSpareServers <= 0 {
		c.MaxSpareServers = 6
	}
	if c.MaxRequestsPerChild <= 0 {
		c.MaxRequestsPerChild = 250
	}
	if c.VerifyDelay <= 0 {
		c.VerifyDelay = 60 * time.Second
	}
	if c.OnReap == nil {
		c.OnReap = func(int) {}
	}
}

// New constructs the engine strategy named by kind: "single", "spawn"
// (alias "threaded") or "pool".
func New(kind string, cfg Config, ln net.Listener, h Handler) (Engine, error) {
	cfg.fill()
	switch kind {
	case "single":
		return newSingle(cfg, ln, h), nil
	case "spawn", "threaded":
		return newSpawn(cfg, ln, h), nil
	case "pool":
		return newPool(cfg, ln, h), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", kind)
	}
}

// deadlineListener is the listener surface engines need for bounded accept
// rounds.
type deadlineListener interface {
	SetDeadline(t time.Time) error
}

// acceptTimeout accepts with a deadline of d from now. It returns
// (nil, nil) when the deadline fires before a connection arrives.
func acceptTimeout(ln net.Listener, d time.Duration) (net.Conn, error) {
	if dl, ok := ln.(deadlineListener); ok {
		_ = dl.SetDeadline(time.Now().Add(d))
	}
	c, err := ln.Accept()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}
