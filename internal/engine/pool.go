package engine

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sieveproxy/sieve/internal/logging"
)

// pool pre-spawns workers that accept for themselves, serialized by an
// exclusive file lock held only across accept. Each worker reports
// (id, status) records over the status pipe; the parent maintains the
// scoreboard from them and scales the pool between MinSpareServers and
// MaxSpareServers. A worker retires after MaxRequestsPerChild connections.
type pool struct {
	cfg      Config
	ln       net.Listener
	h        Handler
	pipe     *statusPipe
	lockPath string

	workers map[uint32]*poolWorker
	board   map[uint32]byte
	nextID  uint32

	lastFork     time.Time
	lastVerify   time.Time
	lastActivity time.Time

	done   chan workerExit
	closed atomic.Bool
}

type workerExit struct {
	id     uint32
	served int
}

type poolWorker struct {
	id        uint32
	quit      chan struct{}
	heartbeat atomic.Int64
}

func newPool(cfg Config, ln net.Listener, h Handler) *pool {
	return &pool{
		cfg:     cfg,
		ln:      ln,
		h:       h,
		workers: make(map[uint32]*poolWorker),
		board:   make(map[uint32]byte),
		done:    make(chan workerExit, cfg.MaxClients*2),
	}
}

func (e *pool) Start() error {
	pipe, err := newStatusPipe()
	if err != nil {
		return fmt.Errorf("status pipe: %w", err)
	}
	e.pipe = pipe
	e.lockPath = filepath.Join(os.TempDir(),
		fmt.Sprintf("sieve-accept-%d-%d.lock", os.Getpid(), time.Now().UnixNano()))

	now := time.Now()
	e.lastVerify = now
	e.lastActivity = now
	for i := 0; i < e.cfg.StartServers; i++ {
		e.fork()
	}
	// allow an immediate scale-up fork on the first Run tick
	e.lastFork = now.Add(-time.Second)
	return nil
}

// Run drains status records, reaps exited workers, probes liveness every
// VerifyDelay, and rebalances the pool. It blocks for about 10ms.
func (e *pool) Run() error {
	e.pipe.drain(func(id uint32, status byte) {
		if _, ok := e.workers[id]; ok {
			e.board[id] = status
			e.lastActivity = time.Now()
		}
	})

	e.reap()

	if time.Since(e.lastVerify) >= e.cfg.VerifyDelay {
		e.verify()
		e.lastVerify = time.Now()
	}

	e.scale()

	if e.closed.Load() {
		return net.ErrClosed
	}
	time.Sleep(10 * time.Millisecond)
	return nil
}

func (e *pool) Stop() error {
	for _, w := range e.workers {
		close(w.quit)
	}

	deadline := time.After(5 * time.Second)
	for len(e.workers) > 0 {
		select {
		case exit := <-e.done:
			e.remove(exit)
		case <-deadline:
			e.cfg.Log.Logf(logging.Process, "engine", "gave up on %d pool workers", len(e.workers))
			e.workers = map[uint32]*poolWorker{}
		}
	}

	e.pipe.close()
	_ = os.Remove(e.lockPath)
	return nil
}

// reap collects exited workers without blocking.
func (e *pool) reap() {
	for {
		select {
		case exit := <-e.done:
			e.remove(exit)
		default:
			return
		}
	}
}

func (e *pool) remove(exit workerExit) {
	if _, ok := e.workers[exit.id]; !ok {
		return
	}
	delete(e.workers, exit.id)
	delete(e.board, exit.id)
	e.cfg.OnReap(exit.served)
	e.cfg.Log.Logf(logging.Process, "engine",
		"reaped worker %d after %d connections, %d left", exit.id, exit.served, len(e.workers))
}

// verify prunes ghosts: workers whose heartbeat has gone stale without an
// exit record, the goroutine rendition of a zero-signal probe.
func (e *pool) verify() {
	stale := 2 * e.cfg.VerifyDelay
	for id, w := range e.workers {
		last := time.Unix(0, w.heartbeat.Load())
		if time.Since(last) > stale {
			e.cfg.Log.Logf(logging.Process, "engine", "pruning ghost worker %d", id)
			delete(e.workers, id)
			delete(e.board, id)
		}
	}
}

// scale forks when spare workers run short and retires a random idle
// worker when they pile up.
func (e *pool) scale() {
	idle := 0
	for id := range e.workers {
		if st, ok := e.board[id]; ok && (st == StatusAccept || st == StatusIdle) {
			idle++
		}
	}
	total := len(e.workers)

	switch {
	case (idle < e.cfg.MinSpareServers || total < e.cfg.StartServers) &&
		total < e.cfg.MaxClients &&
		time.Since(e.lastFork) >= time.Second:
		e.fork()
	case total > e.cfg.StartServers &&
		(idle > e.cfg.MaxSpareServers ||
			(idle > e.cfg.MinSpareServers && time.Since(e.lastActivity) > e.cfg.VerifyDelay)):
		e.retireIdle()
	}
}

func (e *pool) fork() {
	e.nextID++
	w := &poolWorker{id: e.nextID, quit: make(chan struct{})}
	w.heartbeat.Store(time.Now().UnixNano())
	e.workers[w.id] = w
	e.board[w.id] = StatusIdle
	e.lastFork = time.Now()
	e.cfg.Log.Logf(logging.Process, "engine", "forked worker %d, %d total", w.id, len(e.workers))
	go e.worker(w)
}

func (e *pool) retireIdle() {
	var idle []uint32
	for id := range e.workers {
		if st := e.board[id]; st == StatusAccept || st == StatusIdle {
			idle = append(idle, id)
		}
	}
	if len(idle) == 0 {
		return
	}
	id := idle[rand.Intn(len(idle))]
	e.cfg.Log.Logf(logging.Process, "engine", "retiring idle worker %d", id)
	close(e.workers[id].quit)
}

func (e *pool) worker(w *poolWorker) {
	served := 0
	defer func() { e.done <- workerExit{id: w.id, served: served} }()

	lock, err := newAcceptLock(e.lockPath)
	if err != nil {
		return
	}
	defer lock.Close()

	for served < e.cfg.MaxRequestsPerChild {
		select {
		case <-w.quit:
			return
		default:
		}

		w.heartbeat.Store(time.Now().UnixNano())
		e.pipe.send(w.id, StatusAccept)

		_ = lock.Lock()
		c, err := acceptTimeout(e.ln, 100*time.Millisecond)
		_ = lock.Unlock()
		if err != nil {
			e.closed.Store(true)
			return
		}
		if c == nil {
			e.pipe.send(w.id, StatusIdle)
			continue
		}

		e.pipe.send(w.id, StatusBusy)
		e.h(c)
		served++
		e.pipe.send(w.id, StatusIdle)
	}
}
