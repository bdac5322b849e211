package filter

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sieveproxy/sieve/internal/httpmsg"
)

// hopByHopHeaders is the fixed hop-by-hop set from RFC 2616 section 13.5.1
// plus the non-standard Proxy-Connection and Public.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Proxy-Connection",
	"Public",
}

// Standard is the RFC 2616 header filter installed with an always-true
// predicate ahead of any user filter, on both the request and response
// header stacks. It appends Via and X-Forwarded-For, strips hop-by-hop
// headers into the context, answers Max-Forwards: 0 probes, and removes
// diagnostic and content-coding headers.
type Standard struct {
	// Via is the token appended to the Via header; empty disables.
	Via string

	// XForwardedFor appends the client host to X-Forwarded-For on
	// requests.
	XForwardedFor bool

	// Server is set on responses that carry no Server header.
	Server string

	// Methods is the forwarded method set advertised in Allow.
	Methods []string
}

func (s *Standard) Begin(httpmsg.Message) {}
func (s *Standard) End()                  {}

func (s *Standard) FilterHeaders(ctx *Context, h *httpmsg.Header, msg httpmsg.Message) {
	req, isRequest := msg.(*httpmsg.Request)

	if s.Via != "" && strings.HasPrefix(msg.Proto(), "HTTP/") {
		h.Append("Via", strings.TrimPrefix(msg.Proto(), "HTTP/")+" "+s.Via)
	}

	if isRequest && s.XForwardedFor {
		if host := ctx.ClientHost(); host != "" {
			h.Append("X-Forwarded-For", host)
		}
	}

	s.extractHopByHop(ctx, h)

	if isRequest {
		s.handleMaxForwards(ctx, h, req)
		h.Del("Accept-Encoding")
	}

	for _, f := range h.Fields() {
		if len(f.Name) > 7 && strings.EqualFold(f.Name[:7], "Client-") {
			h.Del(f.Name)
		}
	}

	if !isRequest {
		if !h.Has("Server") && s.Server != "" {
			h.Set("Server", s.Server)
		}
		if !h.Has("Date") {
			h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
		}
	}
}

// extractHopByHop moves the fixed hop-by-hop set, plus any header named in
// Connection, out of the message and into ctx.Hop.
func (s *Standard) extractHopByHop(ctx *Context, h *httpmsg.Header) {
	names := append([]string(nil), h.TokenList("Connection")...)
	names = append(names, hopByHopHeaders...)
	for _, name := range names {
		for _, v := range h.Values(name) {
			ctx.Hop.Add(name, v)
		}
		h.Del(name)
	}
}

// handleMaxForwards implements the TRACE and OPTIONS Max-Forwards
// protocol: a zero value is answered by the proxy itself, a positive value
// is decremented and forwarded.
func (s *Standard) handleMaxForwards(ctx *Context, h *httpmsg.Header, req *httpmsg.Request) {
	if req.Method != "TRACE" && req.Method != "OPTIONS" {
		return
	}
	mf := h.Get("Max-Forwards")
	if mf == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(mf))
	if err != nil || n < 0 {
		return
	}

	if n > 0 {
		h.Set("Max-Forwards", strconv.Itoa(n-1))
		return
	}

	resp := httpmsg.NewResponse(http.StatusOK, "")
	switch req.Method {
	case "TRACE":
		var buf bytes.Buffer
		_ = req.Write(&buf)
		resp.Headers.Set("Content-Type", "message/http")
		resp.Headers.Set("Content-Length", strconv.Itoa(buf.Len()))
		resp.Body = buf.Bytes()
	case "OPTIONS":
		resp.Headers.Set("Allow", strings.Join(s.Methods, ", "))
		resp.Headers.Set("Content-Length", "0")
	}
	ctx.ShortCircuit(resp)
}

// alwaysRule matches every message regardless of method, scheme or
// Content-Type; it is the predicate the standard filter is installed with.
func alwaysRule() *Rule {
	methods := make(map[string]bool, len(knownMethods))
	for m := range knownMethods {
		methods[m] = true
	}
	return &Rule{
		mimeAny: true,
		methods: methods,
		schemes: map[string]bool{"http": true, "https": true},
	}
}

// InstallStandard pushes the standard filter with an always-true predicate
// onto both header stacks. It must run before any user filter is
// registered so the standard filter stays first.
func InstallStandard(reqHeaders, respHeaders *HeaderStack, std *Standard) {
	reqHeaders.Push(alwaysRule(), std)
	respHeaders.Push(alwaysRule(), std)
}

// Error returns the canonical filter-failure response: a 500 whose body is
// the diagnostic text.
func Error(diag string) *httpmsg.Response {
	resp := httpmsg.NewResponse(http.StatusInternalServerError, "Proxy filter error")
	resp.Headers.Set("Content-Type", "text/plain")
	resp.Headers.Set("Content-Length", strconv.Itoa(len(diag)))
	resp.Body = []byte(diag)
	return resp
}

var _ HeaderFilter = (*Standard)(nil)

// String implements fmt.Stringer for log lines.
func (s *Standard) String() string {
	return fmt.Sprintf("standard(via=%q xff=%t)", s.Via, s.XForwardedFor)
}
