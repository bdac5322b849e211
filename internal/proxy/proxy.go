package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sieveproxy/sieve/internal/config"
	"github.com/sieveproxy/sieve/internal/dialer"
	"github.com/sieveproxy/sieve/internal/engine"
	"github.com/sieveproxy/sieve/internal/filter"
	"github.com/sieveproxy/sieve/internal/httpmsg"
	"github.com/sieveproxy/sieve/internal/logging"
	"github.com/sieveproxy/sieve/internal/metrics"
	"github.com/sieveproxy/sieve/internal/upstream"
)

// forwardedMethods is the method set the proxy dispatches upstream.
// CONNECT is handled separately as a tunnel and never forwarded.
var forwardedMethods = []string{
	"OPTIONS", "GET", "HEAD", "POST", "PUT", "DELETE", "TRACE",
}

func methodForwarded(m string) bool {
	for _, fm := range forwardedMethods {
		if m == fm {
			return true
		}
	}
	return false
}

// Proxy owns the configuration, the four filter stacks, the upstream
// client and the engine. Filters are registered before Serve; the stacks
// are immutable while serving.
type Proxy struct {
	cfg  *config.Config
	log  *logging.Logger
	met  *metrics.Metrics
	dial dialer.Dialer

	client *upstream.Client

	reqHeaders  filter.HeaderStack
	reqBody     filter.BodyStack
	respHeaders filter.HeaderStack
	respBody    filter.BodyStack

	keepAlive net.KeepAliveConfig

	ln    atomic.Value // net.Listener
	conns atomic.Int64
}

// New builds a Proxy from cfg. The standard header filter is installed
// first on both header stacks, ahead of any user filter.
func New(cfg *config.Config, log *logging.Logger, met *metrics.Metrics, d dialer.Dialer, ka net.KeepAliveConfig) *Proxy {
	p := &Proxy{
		cfg:       cfg,
		log:       log,
		met:       met,
		dial:      d,
		keepAlive: ka,
	}

	p.client = upstream.New(upstream.Config{
		ChunkSize:    cfg.Chunk,
		Timeout:      cfg.Timeout,
		MaxIdleConns: cfg.MaxClients * 2,
		IdleTimeout:  cfg.Timeout,
	}, d)

	std := &filter.Standard{
		Via:           cfg.ViaToken(),
		XForwardedFor: cfg.XFF(),
		Server:        "Sieve/" + config.Version,
		Methods:       forwardedMethods,
	}
	filter.InstallStandard(&p.reqHeaders, &p.respHeaders, std)

	return p
}

// PushHeaderFilter compiles m and registers f on the header stack for
// stage, which must be RequestHeaders or ResponseHeaders. Predicate errors
// surface here, at registration.
func (p *Proxy) PushHeaderFilter(stage filter.Stage, m filter.Match, f filter.HeaderFilter) error {
	rule, err := p.compile(stage, m)
	if err != nil {
		return err
	}
	switch stage {
	case filter.RequestHeaders:
		p.reqHeaders.Push(rule, f)
	case filter.ResponseHeaders:
		p.respHeaders.Push(rule, f)
	default:
		return fmt.Errorf("stage %s takes a body filter", stage)
	}
	return nil
}

// PushBodyFilter compiles m and registers f on the body stack for stage,
// which must be RequestBody or ResponseBody.
func (p *Proxy) PushBodyFilter(stage filter.Stage, m filter.Match, f filter.BodyFilter) error {
	rule, err := p.compile(stage, m)
	if err != nil {
		return err
	}
	switch stage {
	case filter.RequestBody:
		p.reqBody.Push(rule, f)
	case filter.ResponseBody:
		p.respBody.Push(rule, f)
	default:
		return fmt.Errorf("stage %s takes a header filter", stage)
	}
	return nil
}

// compile is the single place predicate configuration is parsed.
func (p *Proxy) compile(stage filter.Stage, m filter.Match) (*filter.Rule, error) {
	rule, err := m.Compile(p.client.SupportsScheme)
	if err != nil {
		return nil, fmt.Errorf("register %s filter: %w", stage, err)
	}
	return rule, nil
}

// Addr returns the bound listen address once Serve has started, for
// configurations using port 0.
func (p *Proxy) Addr() net.Addr {
	v := p.ln.Load()
	if v == nil {
		return nil
	}
	return v.(net.Listener).Addr()
}

// Served returns how many connections have been fully served.
func (p *Proxy) Served() int64 {
	return p.conns.Load()
}

// Serve binds the listener, starts the configured engine, and runs accept
// rounds until ctx is canceled or max_connections is reached. It owns the
// listener and closes it on every exit path.
func (p *Proxy) Serve(ctx context.Context) error {
	ln, err := ListenTCP("tcp", p.cfg.ListenAddr(), p.keepAlive)
	if err != nil {
		return err
	}
	p.ln.Store(ln)
	defer ln.Close()

	stopClose := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stopClose()

	eng, err := engine.New(p.cfg.Engine, engine.Config{
		MaxClients:          p.cfg.MaxClients,
		StartServers:        p.cfg.StartServers,
		MinSpareServers:     p.cfg.MinSpareServers,
		MaxSpareServers:     p.cfg.MaxSpareServers,
		MaxRequestsPerChild: p.cfg.MaxRequestsPerChild,
		VerifyDelay:         p.cfg.VerifyDelay,
		Log:                 p.log,
		OnReap: func(served int) {
			p.conns.Add(int64(served))
			p.met.ConnectionsTotal.Add(float64(served))
		},
	}, ln, func(c net.Conn) { p.serveConn(ctx, c) })
	if err != nil {
		return err
	}

	if err := eng.Start(); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}

	p.log.Logf(logging.Status, "proxy", "listening on %s (engine %s)", ln.Addr(), p.cfg.Engine)

	for ctx.Err() == nil {
		if max := p.cfg.MaxConnections; max > 0 && p.conns.Load() >= int64(max) {
			p.log.Logf(logging.Status, "proxy", "served %d connections, stopping", p.conns.Load())
			break
		}
		if err := eng.Run(); err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			return fmt.Errorf("engine run: %w", err)
		}
	}

	stopErr := eng.Stop()
	p.client.Close()
	return stopErr
}

// errorResponse builds the canned reply for client protocol errors.
func errorResponse(code int, reason, body string) *httpmsg.Response {
	resp := httpmsg.NewResponse(code, reason)
	resp.Headers.Set("Content-Type", "text/plain")
	resp.Headers.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	resp.Body = []byte(body)
	return resp
}
