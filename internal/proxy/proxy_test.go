package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sieveproxy/sieve/internal/config"
	"github.com/sieveproxy/sieve/internal/dialer"
	"github.com/sieveproxy/sieve/internal/filter"
	"github.com/sieveproxy/sieve/internal/httpmsg"
	"github.com/sieveproxy/sieve/internal/logging"
	"github.com/sieveproxy/sieve/internal/metrics"
	"github.com/sieveproxy/sieve/internal/testutil"
)

const testVia = "proxy.test (Sieve/1.0)"

// startProxy runs a proxy on an ephemeral port and returns its address.
func startProxy(t *testing.T, mutate func(*config.Config), install func(*Proxy)) string {
	t.Helper()

	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Engine = "spawn"
	cfg.Timeout = 5 * time.Second
	via := testVia
	cfg.Via = &via
	if mutate != nil {
		mutate(cfg)
	}

	p := New(cfg,
		logging.New(io.Discard, logging.None),
		metrics.New(),
		dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}),
		net.KeepAliveConfig{})
	if install != nil {
		install(p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = p.Serve(ctx) }()

	for i := 0; i < 200; i++ {
		if p.Addr() != nil {
			return p.Addr().String()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("proxy never bound")
	return ""
}

// proxiedClient returns an http.Client routed through the proxy, without
// connection reuse so test workers wind down promptly.
func proxiedClient(t *testing.T, proxyAddr string) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse("http://" + proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 5 * time.Second,
	}
}

func TestProxyIdentityRoundTrip(t *testing.T) {
	t.Parallel()

	for _, engineKind := range []string{"single", "spawn", "pool"} {
		t.Run(engineKind, func(t *testing.T) {
			t.Parallel()

			body := "identity body bytes"
			origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				fmt.Fprint(w, body)
			}))
			defer origin.Close()

			addr := startProxy(t, func(c *config.Config) { c.Engine = engineKind }, nil)
			client := proxiedClient(t, addr)

			resp, err := client.Get(origin.URL + "/p")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			got, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != 200 || string(got) != body {
				t.Fatalf("got %d %q", resp.StatusCode, got)
			}
			if via := resp.Header.Get("Via"); !strings.Contains(via, testVia) {
				t.Fatalf("missing Via on response: %q", via)
			}
		})
	}
}

func TestProxyAddsViaAndXFFStripsHopByHop(t *testing.T) {
	t.Parallel()

	var seen http.Header
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer origin.Close()

	addr := startProxy(t, nil, nil)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	fmt.Fprintf(c, "GET %s/ HTTP/1.1\r\nHost: %s\r\n"+
		"Connection: X-Private\r\nX-Private: secret\r\n"+
		"Proxy-Connection: keep-alive\r\nAccept-Encoding: gzip\r\n"+
		"Client-Ip: 10.0.0.9\r\n\r\n",
		origin.URL, strings.TrimPrefix(origin.URL, "http://"))

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}

	for _, name := range []string{"X-Private", "Proxy-Connection", "Connection", "Accept-Encoding", "Client-Ip"} {
		if seen.Get(name) != "" {
			t.Fatalf("%s leaked to origin: %q", name, seen.Get(name))
		}
	}
	if via := seen.Get("Via"); !strings.Contains(via, testVia) {
		t.Fatalf("origin Via = %q", via)
	}
	if xff := seen.Get("X-Forwarded-For"); xff != "127.0.0.1" {
		t.Fatalf("origin X-Forwarded-For = %q", xff)
	}
}

func TestProxyRequestBodyFilterSeesCompleteBody(t *testing.T) {
	t.Parallel()

	var originGot []byte
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originGot, _ = io.ReadAll(r.Body)
	}))
	defer origin.Close()

	var pairs []string
	addr := startProxy(t, nil, func(p *Proxy) {
		err := p.PushBodyFilter(filter.RequestBody, filter.Match{Method: "POST", MIME: filter.MIME("*")},
			filter.BodyFunc(func(data []byte, _ httpmsg.Message, _ *bytes.Buffer, last bool) []byte {
				if !last {
					for _, kv := range strings.Split(string(data), "&") {
						if k, v, ok := strings.Cut(kv, "="); ok {
							pairs = append(pairs, k+" => "+v)
						}
					}
				}
				return data
			}))
		if err != nil {
			t.Fatal(err)
		}
	})

	client := proxiedClient(t, addr)
	resp, err := client.Post(origin.URL, "application/x-www-form-urlencoded",
		strings.NewReader("a=1&b=2"))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if string(originGot) != "a=1&b=2" {
		t.Fatalf("origin received %q", originGot)
	}
	if len(pairs) != 2 || pairs[0] != "a => 1" || pairs[1] != "b => 2" {
		t.Fatalf("filter saw %v", pairs)
	}
}

// tagAwareROT13 rotates letters outside HTML tags, keeping per-message
// state inside the Begin/End bracket.
type tagAwareROT13 struct {
	filter.BodyBase
	inTag bool
}

func (f *tagAwareROT13) Begin(httpmsg.Message) { f.inTag = false }

func (f *tagAwareROT13) FilterBody(data []byte, _ httpmsg.Message, _ *bytes.Buffer, _ bool) []byte {
	out := make([]byte, len(data))
	for i, c := range data {
		switch {
		case c == '<':
			f.inTag = true
			out[i] = c
		case c == '>':
			f.inTag = false
			out[i] = c
		case f.inTag:
			out[i] = c
		case c >= 'a' && c <= 'z':
			out[i] = 'a' + (c-'a'+13)%26
		case c >= 'A' && c <= 'Z':
			out[i] = 'A' + (c-'A'+13)%26
		default:
			out[i] = c
		}
	}
	return out
}

func TestProxyROT13BodyFilter(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>Hello</body></html>")
	}))
	defer origin.Close()

	addr := startProxy(t, nil, func(p *Proxy) {
		if err := p.PushBodyFilter(filter.ResponseBody, filter.Match{}, &tagAwareROT13{}); err != nil {
			t.Fatal(err)
		}
	})

	client := proxiedClient(t, addr)
	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	got, _ := io.ReadAll(resp.Body)
	if string(got) != "<html><body>Uryyb</body></html>" {
		t.Fatalf("got %q", got)
	}
}

func TestProxyShortCircuit407(t *testing.T) {
	t.Parallel()

	originCalled := false
	origin := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		originCalled = true
	}))
	defer origin.Close()

	addr := startProxy(t, nil, func(p *Proxy) {
		err := p.PushHeaderFilter(filter.RequestHeaders, filter.Match{},
			filter.HeaderFunc(func(ctx *filter.Context, _ *httpmsg.Header, _ httpmsg.Message) {
				// Proxy-Authorization is hop-by-hop and already in ctx.Hop.
				if ctx.Hop.Get("Proxy-Authorization") != "" {
					return
				}
				resp := httpmsg.NewResponse(407, "")
				resp.Headers.Set("Proxy-Authenticate", "Basic realm=\"sieve\"")
				ctx.ShortCircuit(resp)
			}))
		if err != nil {
			t.Fatal(err)
		}
	})

	client := proxiedClient(t, addr)
	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != 407 {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Proxy-Authenticate"); got != "Basic realm=\"sieve\"" {
		t.Fatalf("Proxy-Authenticate = %q", got)
	}
	if originCalled {
		t.Fatal("upstream was called despite short-circuit")
	}

	// With credentials the request goes through.
	req, _ := http.NewRequest("GET", origin.URL, nil)
	req.Header.Set("Proxy-Authorization", "Basic dXNlcjpwYXNz")
	resp2, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp2.Body.Close()
	if resp2.StatusCode != 200 || !originCalled {
		t.Fatalf("authorized request: status %d, originCalled %t", resp2.StatusCode, originCalled)
	}
}

func TestProxyChunkedUppercaseStreaming(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("abcdefghij", 1024) // 10 KB
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		// Flush in pieces so the proxy sees several chunks.
		fl := w.(http.Flusher)
		for i := 0; i < len(body); i += 2048 {
			_, _ = io.WriteString(w, body[i:i+2048])
			fl.Flush()
		}
	}))
	defer origin.Close()

	addr := startProxy(t, nil, func(p *Proxy) {
		err := p.PushBodyFilter(filter.ResponseBody, filter.Match{},
			filter.BodyFunc(func(data []byte, _ httpmsg.Message, _ *bytes.Buffer, _ bool) []byte {
				return bytes.ToUpper(data)
			}))
		if err != nil {
			t.Fatal(err)
		}
	})

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	fmt.Fprintf(c, "GET %s/ HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n",
		origin.URL, strings.TrimPrefix(origin.URL, "http://"))

	raw, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}

	head, rest, ok := bytes.Cut(raw, []byte("\r\n\r\n"))
	if !ok {
		t.Fatalf("no header terminator in %q", raw[:min(len(raw), 200)])
	}
	if !bytes.Contains(head, []byte("Transfer-Encoding: chunked")) {
		t.Fatalf("response not chunked:\n%s", head)
	}
	if bytes.Contains(head, []byte("Content-Length:")) {
		t.Fatalf("Content-Length present on rewritten response:\n%s", head)
	}
	if !bytes.HasSuffix(raw, []byte("0\r\n\r\n")) {
		t.Fatal("missing chunked terminator")
	}

	decoded, err := io.ReadAll(httputilChunkedReader(rest))
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != strings.ToUpper(body) {
		t.Fatalf("body mismatch: %d bytes, want %d uppercased", len(decoded), len(body))
	}
}

func TestProxyConnectTunnel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	addr := startProxy(t, nil, nil)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n",
		echoLn.Addr(), echoLn.Addr())

	br := bufio.NewReader(c)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line, "200") {
		t.Fatalf("CONNECT reply %q", line)
	}
	// Skip remaining reply headers.
	for {
		l, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if l == "\r\n" {
			break
		}
	}

	testutil.AssertEcho(t, c, br, []byte("tunnel payload"))
}

func TestProxyConnectBadTarget(t *testing.T) {
	t.Parallel()

	addr := startProxy(t, nil, nil)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	fmt.Fprint(c, "CONNECT no-port HTTP/1.1\r\nHost: no-port\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestProxyRejectsUnknownMethodAndScheme(t *testing.T) {
	t.Parallel()

	addr := startProxy(t, nil, nil)

	t.Run("method", func(t *testing.T) {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()

		fmt.Fprint(c, "BREW http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
		resp, err := http.ReadResponse(bufio.NewReader(c), nil)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != 501 || !strings.Contains(string(body), "Method BREW is not supported") {
			t.Fatalf("got %d %q", resp.StatusCode, body)
		}
	})

	t.Run("scheme", func(t *testing.T) {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()

		fmt.Fprint(c, "GET ftp://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")
		resp, err := http.ReadResponse(bufio.NewReader(c), nil)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != 501 || !strings.Contains(string(body), "Scheme ftp is not supported") {
			t.Fatalf("got %d %q", resp.StatusCode, body)
		}
	})
}

func TestProxyMalformedRequest(t *testing.T) {
	t.Parallel()

	addr := startProxy(t, nil, nil)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	fmt.Fprint(c, "GARBAGE\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestProxyMaxForwardsTrace(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("origin must not be reached")
	}))
	defer origin.Close()

	addr := startProxy(t, nil, nil)
	client := proxiedClient(t, addr)

	req, _ := http.NewRequest("TRACE", origin.URL+"/echo", nil)
	req.Header.Set("Max-Forwards", "0")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || resp.Header.Get("Content-Type") != "message/http" {
		t.Fatalf("got %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(body), "TRACE /echo HTTP/1.1") {
		t.Fatalf("echo body %q", body)
	}
}

func TestProxyMaxForwardsOptions(t *testing.T) {
	t.Parallel()

	addr := startProxy(t, nil, nil)
	client := proxiedClient(t, addr)

	req, _ := http.NewRequest("OPTIONS", "http://example.invalid/", nil)
	req.Header.Set("Max-Forwards", "0")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); !strings.Contains(allow, "GET") || !strings.Contains(allow, "TRACE") {
		t.Fatalf("Allow = %q", allow)
	}
}

func TestProxyHTTP10CloseDelimited(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "old client body")
	}))
	defer origin.Close()

	addr := startProxy(t, nil, nil)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	fmt.Fprintf(c, "GET %s/ HTTP/1.0\r\n\r\n", origin.URL)
	raw, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}

	head, body, ok := bytes.Cut(raw, []byte("\r\n\r\n"))
	if !ok {
		t.Fatalf("no header terminator: %q", raw)
	}
	if bytes.Contains(head, []byte("Transfer-Encoding")) {
		t.Fatalf("chunked offered to HTTP/1.0 client:\n%s", head)
	}
	if string(body) != "old client body" {
		t.Fatalf("body %q", body)
	}
}

func TestProxyKeepAliveServesMultipleRequests(t *testing.T) {
	t.Parallel()

	hits := 0
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprintf(w, "hit %d", hits)
	}))
	defer origin.Close()

	addr := startProxy(t, nil, nil)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	br := bufio.NewReader(c)

	target := strings.TrimPrefix(origin.URL, "http://")
	for i := 1; i <= 2; i++ {
		fmt.Fprintf(c, "GET %s/ HTTP/1.1\r\nHost: %s\r\n\r\n", origin.URL, target)
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if string(body) != fmt.Sprintf("hit %d", i) {
			t.Fatalf("request %d body %q", i, body)
		}
	}
}

func TestProxyMaxKeepAliveRequestsClosesConnection(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer origin.Close()

	addr := startProxy(t, func(c *config.Config) { c.MaxKeepAliveRequests = 1 }, nil)

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	br := bufio.NewReader(c)

	target := strings.TrimPrefix(origin.URL, "http://")
	fmt.Fprintf(c, "GET %s/ HTTP/1.1\r\nHost: %s\r\n\r\n", origin.URL, target)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	// net/http removes "Connection: close" from the parsed header and
	// reports it through resp.Close instead.
	if !resp.Close {
		t.Fatal("final keep-alive response lacks Connection: close")
	}

	// The proxy must close; the next read returns EOF.
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := br.ReadByte(); err != io.EOF {
		t.Fatalf("expected EOF after final request, got %v", err)
	}
}

func TestProxyUpstreamErrorPromotedTo500(t *testing.T) {
	t.Parallel()

	addr := startProxy(t, nil, nil)
	client := proxiedClient(t, addr)

	// Nothing listens on port 1.
	resp, err := client.Get("http://127.0.0.1:1/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 500 {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Fatal("missing diagnostic body")
	}
}

func TestProxyFilterPanicBecomes500(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "never seen")
	}))
	defer origin.Close()

	addr := startProxy(t, nil, func(p *Proxy) {
		err := p.PushHeaderFilter(filter.RequestHeaders, filter.Match{},
			filter.HeaderFunc(func(*filter.Context, *httpmsg.Header, httpmsg.Message) {
				panic("filter exploded")
			}))
		if err != nil {
			t.Fatal(err)
		}
	})

	client := proxiedClient(t, addr)
	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 500 || !strings.Contains(string(body), "filter exploded") {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
}

func TestProxyMaxConnectionsStopsServe(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer origin.Close()

	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Engine = "spawn"
	cfg.Timeout = 2 * time.Second
	cfg.MaxConnections = 1
	via := testVia
	cfg.Via = &via

	p := New(cfg,
		logging.New(io.Discard, logging.None),
		metrics.New(),
		dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}),
		net.KeepAliveConfig{})

	done := make(chan error, 1)
	go func() { done <- p.Serve(context.Background()) }()

	for i := 0; i < 200 && p.Addr() == nil; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	client := proxiedClient(t, p.Addr().String())
	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("proxy did not stop after max_connections")
	}
	if p.Served() != 1 {
		t.Fatalf("served %d connections", p.Served())
	}
}

func httputilChunkedReader(b []byte) io.Reader {
	return httputil.NewChunkedReader(bytes.NewReader(b))
}
