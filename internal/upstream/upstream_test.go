package upstream

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sieveproxy/sieve/internal/dialer"
	"github.com/sieveproxy/sieve/internal/httpmsg"
)

func newTestClient(chunkSize int) *Client {
	return New(Config{
		ChunkSize: chunkSize,
		Timeout:   5 * time.Second,
	}, dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}))
}

func newProxyRequest(t *testing.T, method, rawurl string, body []byte) *httpmsg.Request {
	t.Helper()
	u, err := url.Parse(rawurl)
	if err != nil {
		t.Fatal(err)
	}
	req := &httpmsg.Request{Method: method, URL: u, ProtoMajor: 1, ProtoMinor: 1, Body: body}
	req.Headers.Set("Host", u.Host)
	return req
}

func TestSimpleRequestStreamsInChunks(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte("abcdefgh"), 1280) // 10240 bytes
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(body)
	}))
	defer origin.Close()

	c := newTestClient(4096)
	defer c.Close()

	var got bytes.Buffer
	var calls int
	var first *httpmsg.Response
	err := c.SimpleRequest(context.Background(), newProxyRequest(t, "GET", origin.URL+"/p", nil),
		func(data []byte, resp *httpmsg.Response, proto string) error {
			calls++
			if first == nil {
				first = resp
			} else if first != resp {
				t.Error("response identity changed between chunks")
			}
			if len(data) > 4096 {
				t.Errorf("chunk of %d bytes exceeds chunk size", len(data))
			}
			got.Write(data)
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got.Bytes(), body) {
		t.Fatalf("body mismatch: got %d bytes, want %d", got.Len(), len(body))
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 chunks for 10k body, got %d", calls)
	}
	if first == nil || first.StatusCode != 200 {
		t.Fatalf("bad first response: %+v", first)
	}
	if first.Headers.Get("Content-Type") != "text/plain" {
		t.Fatalf("missing headers on first chunk: %+v", first.Headers)
	}
}

func TestSimpleRequestEmptyBodyStillDeliversHeaders(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer origin.Close()

	c := newTestClient(4096)
	defer c.Close()

	calls := 0
	err := c.SimpleRequest(context.Background(), newProxyRequest(t, "GET", origin.URL, nil),
		func(data []byte, resp *httpmsg.Response, proto string) error {
			calls++
			if len(data) != 0 {
				t.Errorf("unexpected body bytes: %q", data)
			}
			if resp.StatusCode != 204 {
				t.Errorf("expected 204, got %d", resp.StatusCode)
			}
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one callback, got %d", calls)
	}
}

func TestSimpleRequestForwardsBody(t *testing.T) {
	t.Parallel()

	var received []byte
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		received = buf.Bytes()
	}))
	defer origin.Close()

	c := newTestClient(4096)
	defer c.Close()

	err := c.SimpleRequest(context.Background(),
		newProxyRequest(t, "POST", origin.URL, []byte("a=1&b=2")),
		func([]byte, *httpmsg.Response, string) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if string(received) != "a=1&b=2" {
		t.Fatalf("origin received %q", received)
	}
}

func TestSimpleRequestDoesNotFollowRedirects(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://example.invalid/away", http.StatusFound)
	}))
	defer origin.Close()

	c := newTestClient(4096)
	defer c.Close()

	var status int
	err := c.SimpleRequest(context.Background(), newProxyRequest(t, "GET", origin.URL, nil),
		func(_ []byte, resp *httpmsg.Response, _ string) error {
			status = resp.StatusCode
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if status != 302 {
		t.Fatalf("redirect was followed, got status %d", status)
	}
}

func TestSimpleRequestSynthesizesXDiedOnTransportError(t *testing.T) {
	t.Parallel()

	// A listener that is closed immediately gives a connection refused.
	origin := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := origin.URL
	origin.Close()

	c := newTestClient(4096)
	defer c.Close()

	var resp *httpmsg.Response
	err := c.SimpleRequest(context.Background(), newProxyRequest(t, "GET", addr, nil),
		func(_ []byte, r *httpmsg.Response, _ string) error {
			resp = r
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if resp == nil || resp.StatusCode != 502 {
		t.Fatalf("expected synthesized 502, got %+v", resp)
	}
	if resp.Headers.Get("X-Died") == "" {
		t.Fatal("missing X-Died header")
	}
	if len(resp.Body) == 0 {
		t.Fatal("missing diagnostic body")
	}
}

func TestSimpleRequestStripsNoHeadersItself(t *testing.T) {
	t.Parallel()

	var seen http.Header
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer origin.Close()

	req := newProxyRequest(t, "GET", origin.URL, nil)
	req.Headers.Set("X-Custom", "kept")

	c := newTestClient(4096)
	defer c.Close()

	if err := c.SimpleRequest(context.Background(), req,
		func([]byte, *httpmsg.Response, string) error { return nil }); err != nil {
		t.Fatal(err)
	}

	if seen.Get("X-Custom") != "kept" {
		t.Fatalf("end-to-end header lost: %+v", seen)
	}
	if enc := seen.Get("Accept-Encoding"); enc != "" && strings.Contains(enc, "gzip") {
		t.Fatalf("transport added content-coding negotiation: %q", enc)
	}
}

func TestSupportsScheme(t *testing.T) {
	t.Parallel()

	c := newTestClient(4096)
	defer c.Close()

	for scheme, want := range map[string]bool{"http": true, "https": true, "ftp": false, "gopher": false} {
		if got := c.SupportsScheme(scheme); got != want {
			t.Fatalf("SupportsScheme(%q) = %t, want %t", scheme, got, want)
		}
	}
}
