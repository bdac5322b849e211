package filter

import (
	"net"

	"github.com/sieveproxy/sieve/internal/httpmsg"
	"github.com/sieveproxy/sieve/internal/logging"
)

// Context carries per-connection state through the filter pipeline. Filters
// read and may write the active request, response and hop-by-hop headers
// through it; no state lives on the proxy configuration object.
type Context struct {
	// Req is the request being served.
	Req *httpmsg.Request

	// Resp is the active response. A request-side filter that sets it
	// short-circuits the upstream fetch: the proxy sends Resp to the
	// client instead.
	Resp *httpmsg.Response

	// ClientAddr is the client socket peer address.
	ClientAddr net.Addr

	// Hop collects hop-by-hop headers the standard filter strips from the
	// current message.
	Hop *httpmsg.Header

	// Served counts requests already completed on this connection.
	Served int

	// ConnID identifies the connection in log lines.
	ConnID string

	// Log is the proxy's log sink, mask-gated.
	Log *logging.Logger
}

// ShortCircuit installs resp as the response for the current request,
// bypassing the upstream fetch.
func (c *Context) ShortCircuit(resp *httpmsg.Response) {
	c.Resp = resp
}

// ClientHost returns the client peer host without the port, or "" when
// unknown.
func (c *Context) ClientHost() string {
	if c.ClientAddr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(c.ClientAddr.String())
	if err != nil {
		return c.ClientAddr.String()
	}
	return host
}
