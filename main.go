package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/sieveproxy/sieve/internal/config"
	"github.com/sieveproxy/sieve/internal/dialer"
	"github.com/sieveproxy/sieve/internal/logging"
	"github.com/sieveproxy/sieve/internal/metrics"
	"github.com/sieveproxy/sieve/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "Path to YAML config file. Empty uses defaults.")

		host    = pflag.String("host", "", "Bind interface (overrides config)")
		port    = pflag.Int("port", -1, "Listen port; 0 picks an ephemeral port (overrides config)")
		eng     = pflag.String("engine", "", "Concurrency engine: single | spawn | pool (overrides config)")
		logmask = pflag.String("logmask", "", "Log categories, e.g. STATUS|CONNECT|FILTER (overrides config)")
		logfile = pflag.String("logfile", "", "Log sink path; empty logs to stderr (overrides config)")

		upstream = pflag.String("upstream", defaultUpstream(), "Outbound chain target: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")

		via            = pflag.String("via", "-", "Via token; '-' keeps the built-in, empty disables Via")
		noXFF          = pflag.Bool("no-x-forwarded-for", false, "Do not append X-Forwarded-For")
		maxConnections = pflag.Int("max-connections", -1, "Stop after serving this many connections; 0 serves forever (overrides config)")

		debugListen  = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout  = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		tcpKeepAlive = pflag.String("tcp-keepalive", "", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt (overrides config)")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}

	if *host != "" {
		cfg.Host = *host
	}
	if *port >= 0 {
		cfg.Port = *port
	}
	if *eng != "" {
		cfg.Engine = *eng
	}
	if *logmask != "" {
		cfg.Logmask = *logmask
	}
	if *logfile != "" {
		cfg.Logfile = *logfile
	}
	if pflag.CommandLine.Changed("upstream") || cfg.Upstream == "" {
		cfg.Upstream = *upstream
	}
	if *via != "-" {
		cfg.Via = via
	}
	if *noXFF {
		off := false
		cfg.XForwardedFor = &off
	}
	if *maxConnections >= 0 {
		cfg.MaxConnections = *maxConnections
	}
	if *debugListen != "" {
		cfg.DebugListen = *debugListen
	}
	if *tcpKeepAlive != "" {
		cfg.KeepAlive = *tcpKeepAlive
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	mask, err := logging.ParseMask(cfg.Logmask)
	if err != nil {
		return fmt.Errorf("invalid logmask: %w", err)
	}

	logOut := os.Stderr
	if cfg.Logfile != "" {
		f, err := os.OpenFile(cfg.Logfile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open logfile: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := logging.New(logOut, mask)

	ka, err := parseTCPKeepAlive(cfg.KeepAlive)
	if err != nil {
		return fmt.Errorf("invalid keepalive: %w", err)
	}

	dial, err := dialer.New(dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *dialTimeout,
		KeepAlive:          ka,
	}, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}

	met := metrics.New()
	p := proxy.New(cfg, logger, met, dial, ka)

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DebugListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", met.Handler())
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
		debugSrv := &http.Server{Handler: mux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", cfg.DebugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Printf("debug listening on %s", cfg.DebugListen)
	}

	g.Go(func() error {
		if err := p.Serve(ctx); err != nil {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})
	log.Printf("proxy listening on %s (engine %s)", cfg.ListenAddr(), cfg.Engine)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	log.Printf("shutting down after %d connections", p.Served())
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
