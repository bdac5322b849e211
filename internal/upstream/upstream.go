// Package upstream issues the proxy's outbound requests and streams
// response bodies back in fixed-size chunks. Redirects are never followed,
// no cookies are kept, and bodies arrive in identity coding so filters see
// plain bytes.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/sieveproxy/sieve/internal/dialer"
	"github.com/sieveproxy/sieve/internal/httpmsg"
)

// Config tunes the upstream client.
type Config struct {
	// ChunkSize is the read buffer size; each ChunkFunc call carries at
	// most this many bytes.
	ChunkSize int

	// Timeout bounds one whole request, headers through last body byte.
	Timeout time.Duration

	// MaxIdleConns caps the keep-alive pool.
	MaxIdleConns int

	// IdleTimeout expires pooled connections.
	IdleTimeout time.Duration

	// NegotiationTimeout bounds TLS handshakes.
	NegotiationTimeout time.Duration
}

// ChunkFunc receives one body chunk per call. The first call carries the
// finalized response headers; data may be empty on that call when the body
// is empty. Returning an error aborts the transfer.
type ChunkFunc func(data []byte, resp *httpmsg.Response, proto string) error

// Client is the outbound HTTP client. It keeps one pool of keep-alive
// connections, shared by every worker using the Client, and is safe for
// concurrent use.
type Client struct {
	cfg       Config
	transport *http.Transport
	bufs      *bufferPool
}

// New builds a Client dialing through d.
func New(cfg Config, d dialer.Dialer) *Client {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4096
	}
	return &Client{
		cfg:  cfg,
		bufs: newBufferPool(cfg.ChunkSize),
		transport: &http.Transport{
			DialContext:         d.DialContext,
			DisableCompression:  true,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConns,
			IdleConnTimeout:     cfg.IdleTimeout,
			TLSHandshakeTimeout: cfg.NegotiationTimeout,
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS12,
				ClientSessionCache: tls.NewLRUClientSessionCache(0),
			},
		},
	}
}

// SupportsScheme reports whether the client can dispatch a request with
// the given URI scheme.
func (c *Client) SupportsScheme(scheme string) bool {
	return scheme == "http" || scheme == "https"
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// SimpleRequest sends req upstream and delivers the response through
// onChunk, one call per received chunk of at most ChunkSize bytes. On
// transport failure no error is returned; instead onChunk receives a
// synthesized 502 whose X-Died header holds the reason, so response-header
// filters still run. A non-nil error only reports failures after bytes
// started flowing, or an onChunk abort.
func (c *Client) SimpleRequest(ctx context.Context, req *httpmsg.Request, onChunk ChunkFunc) error {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	hreq, err := toHTTPRequest(ctx, req)
	if err != nil {
		return onChunk(nil, diedResponse(err), req.Proto())
	}

	// RoundTrip follows no redirects and keeps no cookies.
	hresp, err := c.transport.RoundTrip(hreq)
	if err != nil {
		return onChunk(nil, diedResponse(err), req.Proto())
	}
	defer hresp.Body.Close()

	resp := fromHTTPResponse(hresp)

	buf := c.bufs.Get()
	defer c.bufs.Put(buf)
	delivered := false
	for {
		n, rerr := hresp.Body.Read(buf)
		if n > 0 {
			delivered = true
			if cerr := onChunk(buf[:n], resp, hresp.Proto); cerr != nil {
				return cerr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if !delivered {
				return onChunk(nil, diedResponse(rerr), hresp.Proto)
			}
			return fmt.Errorf("upstream read: %w", rerr)
		}
	}

	if !delivered {
		return onChunk(nil, resp, hresp.Proto)
	}
	return nil
}

// diedResponse synthesizes the audit response for a failed dispatch.
func diedResponse(err error) *httpmsg.Response {
	resp := httpmsg.NewResponse(http.StatusBadGateway, "")
	resp.Headers.Set("Content-Type", "text/plain")
	resp.Headers.Set("X-Died", err.Error())
	resp.Body = []byte(err.Error() + "\n")
	return resp
}

func toHTTPRequest(ctx context.Context, req *httpmsg.Request) (*http.Request, error) {
	if req.URL == nil || req.URL.Host == "" {
		return nil, fmt.Errorf("request has no authority")
	}

	hreq := &http.Request{
		Method:     req.Method,
		URL:        req.URL,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       req.URL.Host,
	}
	for _, f := range req.Headers.Fields() {
		if f.Name == "Host" {
			continue
		}
		hreq.Header.Add(f.Name, f.Value)
	}
	// The body may have been rewritten by request filters; the client's
	// Content-Length no longer binds.
	hreq.Header.Del("Content-Length")
	if len(req.Body) > 0 {
		hreq.Body = io.NopCloser(bytes.NewReader(req.Body))
		hreq.ContentLength = int64(len(req.Body))
		hreq.Header.Set("Content-Length", fmt.Sprintf("%d", len(req.Body)))
	}
	return hreq.WithContext(ctx), nil
}

// fromHTTPResponse converts the stdlib response headers into the proxy's
// ordered model. net/http stores headers in a map, so field order is
// restored alphabetically to stay deterministic.
func fromHTTPResponse(hresp *http.Response) *httpmsg.Response {
	resp := &httpmsg.Response{
		StatusCode: hresp.StatusCode,
		Reason:     reasonOf(hresp),
		ProtoMajor: hresp.ProtoMajor,
		ProtoMinor: hresp.ProtoMinor,
	}

	names := make([]string, 0, len(hresp.Header))
	for name := range hresp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range hresp.Header[name] {
			resp.Headers.Add(name, v)
		}
	}
	return resp
}

func reasonOf(hresp *http.Response) string {
	status := hresp.Status
	if len(status) > 4 {
		return status[4:]
	}
	return http.StatusText(hresp.StatusCode)
}
