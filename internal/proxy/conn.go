package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sieveproxy/sieve/internal/filter"
	"github.com/sieveproxy/sieve/internal/httpmsg"
	"github.com/sieveproxy/sieve/internal/logging"
)

// connServer runs the per-connection request loop:
//
//	ReadRequest -> Validate -> FilterRequest -> {ShortCircuit | Dispatch}
//	  -> StreamResponse -> FlushTrailers -> {next request | close}
type connServer struct {
	p    *Proxy
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	fctx *filter.Context
}

// serveConn serves every request on one accepted connection. The socket is
// closed on all exit paths.
func (p *Proxy) serveConn(ctx context.Context, c net.Conn) {
	defer c.Close()

	p.met.WorkersBusy.Inc()
	defer p.met.WorkersBusy.Dec()

	cs := &connServer{
		p:    p,
		conn: c,
		br:   bufio.NewReader(c),
		bw:   bufio.NewWriter(c),
		fctx: &filter.Context{
			ClientAddr: c.RemoteAddr(),
			ConnID:     uuid.NewString()[:8],
			Log:        p.log,
		},
	}

	p.log.Logf(logging.Connect, cs.fctx.ConnID, "connection from %s", c.RemoteAddr())
	cs.serve(ctx)
	p.log.Logf(logging.Connect, cs.fctx.ConnID, "closed after %d requests", cs.fctx.Served)
}

func (cs *connServer) serve(ctx context.Context) {
	max := cs.p.cfg.MaxKeepAliveRequests
	for cs.fctx.Served < max {
		if ctx.Err() != nil {
			return
		}
		final := cs.fctx.Served == max-1

		served, keepAlive := cs.serveOne(ctx, final)
		if !served {
			return
		}
		cs.fctx.Served++
		if !keepAlive {
			return
		}
	}
}

// serveOne handles a single request. served is false when the client went
// away before sending one; keepAlive is whether the connection may carry
// another request.
func (cs *connServer) serveOne(ctx context.Context, final bool) (served, keepAlive bool) {
	p := cs.p
	fctx := cs.fctx

	if p.cfg.Timeout > 0 {
		_ = cs.conn.SetReadDeadline(time.Now().Add(p.cfg.Timeout))
	}

	req, err := httpmsg.ReadRequest(cs.br)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
			return false, false
		}
		cs.sendRaw(errorResponse(400, "", "Bad request: "+err.Error()+"\n"), "")
		return false, false
	}
	req.RemoteAddr = cs.conn.RemoteAddr().String()

	cs.logHeaders("request", req.Method+" "+requestTarget(req)+" "+req.Proto(), &req.Headers)

	if req.Method == "CONNECT" {
		cs.tunnel(ctx, req)
		return false, false
	}

	// Validate
	if !methodForwarded(req.Method) {
		cs.sendRaw(errorResponse(501, "",
			fmt.Sprintf("Method %s is not supported by this proxy.\n", req.Method)), req.Method)
		return true, false
	}
	if scheme := req.URL.Scheme; scheme != "" && !p.client.SupportsScheme(scheme) {
		cs.sendRaw(errorResponse(501, "",
			fmt.Sprintf("Scheme %s is not supported by this proxy.\n", scheme)), req.Method)
		return true, false
	}

	// Fresh per-message filter state.
	fctx.Req = req
	fctx.Resp = nil
	fctx.Hop = &httpmsg.Header{}

	// FilterRequest: header stack first; it may short-circuit.
	p.reqHeaders.Select(req, nil, req)
	err = p.reqHeaders.Filter(fctx, req)
	p.reqHeaders.EOD()
	if err != nil {
		p.log.Logf(logging.Filter, fctx.ConnID, "request header filter died: %v", err)
		cs.sendRaw(withClose(filter.Error(err.Error())), req.Method)
		return true, false
	}

	clientClose := cs.clientWantsClose(req)

	if fctx.Resp != nil {
		p.met.ShortCircuitsTotal.Inc()
		p.log.Logf(logging.Filter, fctx.ConnID, "request filter short-circuited with %s", fctx.Resp.Status())
		ka := cs.sendSynthesized(fctx.Resp, req, final || clientClose)
		return true, ka
	}

	// Request body: read in full, filter once, flush.
	body, err := cs.readRequestBody(req)
	if err != nil {
		cs.sendRaw(errorResponse(400, "", "Bad request body: "+err.Error()+"\n"), req.Method)
		return true, false
	}
	req.Body = body

	p.reqBody.Select(req, nil, req)
	data, ferr := p.reqBody.Filter(req.Body, req)
	if ferr == nil {
		var tail []byte
		tail, ferr = p.reqBody.FilterLast(nil, req)
		data = append(data, tail...)
	}
	if ferr != nil {
		p.log.Logf(logging.Filter, fctx.ConnID, "request body filter died: %v", ferr)
		cs.sendRaw(withClose(filter.Error(ferr.Error())), req.Method)
		return true, false
	}
	req.Body = data

	// Dispatch and stream.
	sw := &responseWriter{cs: cs, req: req, closeAfter: final || clientClose}
	err = p.client.SimpleRequest(ctx, req, sw.onChunk)
	if err == nil {
		err = sw.finish()
	}
	if err != nil {
		if !sw.wroteHeaders {
			p.log.Logf(logging.Filter, fctx.ConnID, "response filter died: %v", err)
			cs.sendRaw(withClose(filter.Error(err.Error())), req.Method)
			return true, false
		}
		p.log.Logf(logging.Connect, fctx.ConnID, "response aborted mid-stream: %v", err)
		return true, false
	}

	cs.countRequest(req, sw.resp)
	return true, sw.keepAlive
}

// clientWantsClose decides whether the client side forbids keep-alive:
// HTTP/1.0 without an explicit keep-alive token, anything pre-1.0, or a
// Connection: close requested by the client or a request filter. The
// Connection tokens live in ctx.Hop by now.
func (cs *connServer) clientWantsClose(req *httpmsg.Request) bool {
	if req.ProtoMajor == 0 {
		return true
	}
	var hasKeepAlive, hasClose bool
	for _, tok := range cs.fctx.Hop.TokenList("Connection") {
		switch {
		case strings.EqualFold(tok, "keep-alive"):
			hasKeepAlive = true
		case strings.EqualFold(tok, "close"):
			hasClose = true
		}
	}
	if hasClose {
		return true
	}
	if req.ProtoMajor == 1 && req.ProtoMinor == 0 {
		return !hasKeepAlive
	}
	return false
}

// readRequestBody frames the request body. Transfer-Encoding has already
// been moved into ctx.Hop by the standard filter; Content-Length is
// end-to-end and still on the request.
func (cs *connServer) readRequestBody(req *httpmsg.Request) ([]byte, error) {
	for _, tok := range cs.fctx.Hop.TokenList("Transfer-Encoding") {
		if strings.EqualFold(tok, "chunked") {
			return httpmsg.ReadChunked(cs.br)
		}
	}
	return httpmsg.ReadBody(cs.br, &req.Headers)
}

// sendRaw writes a complete synthesized response without running filters,
// used for protocol errors where the pipeline cannot be trusted. The
// connection always closes afterwards.
func (cs *connServer) sendRaw(resp *httpmsg.Response, method string) {
	resp.Headers.Set("Connection", "close")
	_ = resp.WriteHeader(cs.bw)
	if method != "HEAD" && len(resp.Body) > 0 {
		_, _ = cs.bw.Write(resp.Body)
	}
	_ = cs.bw.Flush()
	if method != "" {
		cs.countRequest(&httpmsg.Request{Method: method}, resp)
	}
}

// sendSynthesized delivers a short-circuit response exactly as the filter
// built it, with a correct Content-Length. Response filters never see it:
// they are wired into the upstream streaming path, and no upstream call
// happened.
func (cs *connServer) sendSynthesized(resp *httpmsg.Response, req *httpmsg.Request, closeAfter bool) (keepAlive bool) {
	cs.fctx.Resp = resp

	resp.Headers.Set("Content-Length", fmt.Sprintf("%d", len(resp.Body)))
	if closeAfter {
		resp.Headers.Set("Connection", "close")
	}

	cs.logHeaders("response", resp.Proto()+" "+resp.Status(), &resp.Headers)

	if err := resp.WriteHeader(cs.bw); err != nil {
		return false
	}
	if req.Method != "HEAD" && len(resp.Body) > 0 {
		if _, err := cs.bw.Write(resp.Body); err != nil {
			return false
		}
	}
	if err := cs.bw.Flush(); err != nil {
		return false
	}

	cs.countRequest(req, resp)
	return !closeAfter
}

func (cs *connServer) countRequest(req *httpmsg.Request, resp *httpmsg.Response) {
	status := "error"
	if resp != nil {
		status = fmt.Sprintf("%dxx", resp.StatusCode/100)
		cs.p.log.Logf(logging.Status, cs.fctx.ConnID, "%s %s %s",
			req.Method, requestTarget(req), resp.Status())
	}
	cs.p.met.RequestsTotal.WithLabelValues(req.Method, status).Inc()
}

func (cs *connServer) logHeaders(kind, firstLine string, h *httpmsg.Header) {
	if !cs.p.log.Enabled(logging.Headers) {
		return
	}
	var sb strings.Builder
	sb.WriteString(firstLine)
	for _, f := range h.Fields() {
		sb.WriteString("\n  ")
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(f.Value)
	}
	cs.p.log.Logf(logging.Headers, cs.fctx.ConnID, "%s %s", kind, sb.String())
}

func requestTarget(req *httpmsg.Request) string {
	if req.URL == nil {
		return "-"
	}
	return req.URL.String()
}

func withClose(resp *httpmsg.Response) *httpmsg.Response {
	resp.Headers.Set("Connection", "close")
	return resp
}
