package engine

import (
	"net"
	"time"
)

// single serves each accepted connection inline, with no parallelism. It
// exists for debugging; pair it with max_keep_alive_requests = 1 so one
// client cannot monopolize the proxy.
type single struct {
	cfg Config
	ln  net.Listener
	h   Handler
}

func newSingle(cfg Config, ln net.Listener, h Handler) *single {
	return &single{cfg: cfg, ln: ln, h: h}
}

func (e *single) Start() error { return nil }

func (e *single) Run() error {
	c, err := acceptTimeout(e.ln, 10*time.Millisecond)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	e.h(c)
	e.cfg.OnReap(1)
	return nil
}

func (e *single) Stop() error { return nil }
