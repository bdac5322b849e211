package proxy

import (
	"strconv"

	"github.com/sieveproxy/sieve/internal/filter"
	"github.com/sieveproxy/sieve/internal/httpmsg"
	"github.com/sieveproxy/sieve/internal/logging"
)

// responseWriter streams an upstream response to the client through the
// response filter stacks. The first chunk runs the response-header stack,
// decides transfer framing and flushes the head; every chunk then flows
// through the body stack, whose output is emitted chunked for HTTP/1.1
// clients and close-delimited otherwise.
type responseWriter struct {
	cs  *connServer
	req *httpmsg.Request

	// closeAfter forces Connection: close on the way out: final
	// keep-alive request, or the client asked to close.
	closeAfter bool

	resp         *httpmsg.Response
	wroteHeaders bool
	chunked      bool
	noBody       bool
	done         bool
	keepAlive    bool
}

// onChunk is the upstream ChunkFunc. The first call carries the finalized
// response headers.
func (w *responseWriter) onChunk(data []byte, resp *httpmsg.Response, proto string) error {
	w.cs.p.met.BodyBytesIn.Add(float64(len(data)))

	if !w.wroteHeaders {
		if err := w.writeHead(resp); err != nil {
			return err
		}
	}
	return w.writeBody(data, false)
}

// writeHead attaches the response to the context, runs the response-header
// stack, promotes upstream deaths, and flushes the status line and headers
// with the chosen framing.
func (w *responseWriter) writeHead(resp *httpmsg.Response) error {
	cs := w.cs
	p := cs.p
	cs.fctx.Resp = resp
	w.resp = resp

	p.respHeaders.Select(w.req, resp, resp)
	err := p.respHeaders.Filter(cs.fctx, resp)
	p.respHeaders.EOD()
	if err != nil {
		return err
	}

	// An upstream that died in transport left its reason in X-Died; the
	// headers have not been sent, so the response is replaced outright.
	if died := resp.Headers.Get("X-Died"); died != "" {
		p.met.UpstreamErrorsTotal.Inc()
		p.log.Logf(logging.Connect, cs.fctx.ConnID, "upstream died: %s", died)
		w.done = true
		w.wroteHeaders = true
		w.keepAlive = false
		w.resp = filter.Error(died)
		w.resp.Headers.Set("Connection", "close")
		cs.fctx.Resp = w.resp
		return writeRawResponse(cs, w.resp, w.req.Method)
	}

	// A synthesized response carries its whole body already; no streaming.
	if resp.Body != nil {
		w.done = true
		w.wroteHeaders = true
		w.keepAlive = !w.closeAfter
		resp.Headers.Set("Content-Length", strconv.Itoa(len(resp.Body)))
		if w.closeAfter {
			resp.Headers.Set("Connection", "close")
		}
		return writeRawResponse(cs, resp, w.req.Method)
	}

	// The body is about to be rewritten; its length is unknowable now.
	resp.Headers.Del("Content-Length")
	resp.Headers.Del("Client-Date")

	w.noBody = w.req.Method == "HEAD" ||
		resp.StatusCode/100 == 1 || resp.StatusCode == 204 || resp.StatusCode == 304

	antique := w.req.ProtoMajor == 0
	switch {
	case antique:
		w.closeAfter = true
		w.keepAlive = false
	case w.noBody:
		w.keepAlive = !w.closeAfter
		if w.closeAfter {
			resp.Headers.Set("Connection", "close")
		}
	case w.req.ProtoAtLeast(1, 1):
		w.chunked = true
		resp.Headers.Set("Transfer-Encoding", "chunked")
		if w.closeAfter {
			resp.Headers.Set("Connection", "close")
			w.keepAlive = false
		} else {
			w.keepAlive = true
		}
	default:
		// Pre-1.1 client: close-delimited body.
		w.closeAfter = true
		w.keepAlive = false
	}

	cs.logHeaders("response", resp.Proto()+" "+resp.Status(), &resp.Headers)

	if err := resp.WriteHeader(cs.bw); err != nil {
		return err
	}
	if err := cs.bw.Flush(); err != nil {
		return err
	}

	// First chunk: select the body filters for this message.
	p.respBody.Select(w.req, resp, resp)
	if p.respBody.Selected() > 0 {
		p.log.Logf(logging.Filter, cs.fctx.ConnID, "%d body filters selected (modify=%t)",
			p.respBody.Selected(), p.respBody.WillModify())
	}

	w.wroteHeaders = true
	return nil
}

// writeBody pushes one chunk through the body stack and emits the result.
func (w *responseWriter) writeBody(data []byte, last bool) error {
	if w.done {
		return nil
	}
	cs := w.cs

	var out []byte
	var err error
	if last {
		out, err = cs.p.respBody.FilterLast(data, w.resp)
	} else {
		out, err = cs.p.respBody.Filter(data, w.resp)
	}
	if err != nil {
		return err
	}

	if w.noBody {
		return nil
	}
	if len(out) > 0 {
		cs.p.met.BodyBytesOut.Add(float64(len(out)))
		if w.chunked {
			if err := httpmsg.WriteChunk(cs.bw, out); err != nil {
				return err
			}
		} else {
			if _, err := cs.bw.Write(out); err != nil {
				return err
			}
		}
	}
	return cs.bw.Flush()
}

// finish flushes the body filters' held bytes and terminates the framing.
func (w *responseWriter) finish() error {
	if w.done {
		return nil
	}
	if err := w.writeBody(nil, true); err != nil {
		return err
	}
	if w.chunked {
		if err := httpmsg.WriteLastChunk(w.cs.bw); err != nil {
			return err
		}
	}
	return w.cs.bw.Flush()
}

// writeRawResponse emits a complete response whose body is already in
// memory.
func writeRawResponse(cs *connServer, resp *httpmsg.Response, method string) error {
	cs.logHeaders("response", resp.Proto()+" "+resp.Status(), &resp.Headers)
	if err := resp.WriteHeader(cs.bw); err != nil {
		return err
	}
	if method != "HEAD" && len(resp.Body) > 0 {
		if _, err := cs.bw.Write(resp.Body); err != nil {
			return err
		}
	}
	return cs.bw.Flush()
}
