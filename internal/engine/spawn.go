package engine

import (
	"net"
	"time"

	"github.com/sieveproxy/sieve/internal/logging"
)

// spawn runs one worker goroutine per accepted connection, up to
// MaxClients. The parent reaps finished workers non-blockingly between
// accept rounds and stalls briefly once the soft cap is reached. This is
// the default strategy; "threaded" is the same thing, since goroutines are
// Go's rendition of both a forked child and a detached thread.
type spawn struct {
	cfg    Config
	ln     net.Listener
	h      Handler
	active int
	done   chan struct{}
}

func newSpawn(cfg Config, ln net.Listener, h Handler) *spawn {
	return &spawn{
		cfg:  cfg,
		ln:   ln,
		h:    h,
		done: make(chan struct{}, cfg.MaxClients*2),
	}
}

func (e *spawn) Start() error { return nil }

func (e *spawn) Run() error {
	e.reap()

	if e.active >= e.cfg.MaxClients {
		// Over the soft cap: stall before retrying accept.
		time.Sleep(time.Second)
		e.reap()
		return nil
	}

	c, err := acceptTimeout(e.ln, 10*time.Millisecond)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}

	e.active++
	e.cfg.Log.Logf(logging.Process, "engine", "spawning worker, %d active", e.active)
	go func() {
		defer func() { e.done <- struct{}{} }()
		e.h(c)
	}()
	return nil
}

// reap drains finished workers without blocking; connection counters
// advance here, never in the worker.
func (e *spawn) reap() {
	for {
		select {
		case <-e.done:
			e.active--
			e.cfg.OnReap(1)
		default:
			return
		}
	}
}

func (e *spawn) Stop() error {
	deadline := time.After(5 * time.Second)
	for e.active > 0 {
		select {
		case <-e.done:
			e.active--
			e.cfg.OnReap(1)
		case <-deadline:
			e.cfg.Log.Logf(logging.Process, "engine", "gave up on %d workers", e.active)
			return nil
		}
	}
	return nil
}
