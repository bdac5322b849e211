package filter

import (
	"bytes"

	"github.com/sieveproxy/sieve/internal/httpmsg"
)

// HeaderFilter inspects and rewrites message headers. It never observes a
// body. Implementations must be reentrant: per-message state belongs inside
// the Begin/End bracket, persistent state behind synchronization.
type HeaderFilter interface {
	// Begin is called once per message, before the first FilterHeaders
	// call for that message.
	Begin(msg httpmsg.Message)

	// FilterHeaders may mutate h, or set ctx.Resp to short-circuit the
	// upstream fetch (request side only).
	FilterHeaders(ctx *Context, h *httpmsg.Header, msg httpmsg.Message)

	// End is called once per message, after the last FilterHeaders call.
	End()
}

// BodyFilter rewrites body bytes as they stream through the proxy. Each
// call receives the current chunk with the filter's own carry-over bytes
// already prepended; bytes written to carry are handed back on the next
// call. When last is true carry is discarded, so the filter must flush
// everything it holds into the returned slice.
type BodyFilter interface {
	// Begin is called once per message, before the first FilterBody call.
	Begin(msg httpmsg.Message)

	// FilterBody returns the rewritten chunk. The returned slice may be
	// data itself, a sub-slice, or a fresh allocation; length may change.
	FilterBody(data []byte, msg httpmsg.Message, carry *bytes.Buffer, last bool) []byte

	// WillModify reports whether the filter can alter body length or
	// content. A stack modifies iff any selected filter does.
	WillModify() bool

	// End is called once per message, after the FilterBody call with
	// last=true.
	End()
}

// HeaderBase is an embeddable no-op Begin/End for header filters.
type HeaderBase struct{}

func (HeaderBase) Begin(httpmsg.Message) {}
func (HeaderBase) End()                  {}

// BodyBase is an embeddable no-op Begin/End for body filters; WillModify
// defaults to true.
type BodyBase struct{}

func (BodyBase) Begin(httpmsg.Message) {}
func (BodyBase) End()                  {}
func (BodyBase) WillModify() bool      { return true }

// HeaderFunc adapts a function to a stateless HeaderFilter.
type HeaderFunc func(ctx *Context, h *httpmsg.Header, msg httpmsg.Message)

func (f HeaderFunc) Begin(httpmsg.Message) {}
func (f HeaderFunc) FilterHeaders(ctx *Context, h *httpmsg.Header, msg httpmsg.Message) {
	f(ctx, h, msg)
}
func (f HeaderFunc) End() {}

// BodyFunc adapts a function to a stateless BodyFilter that reports
// WillModify.
type BodyFunc func(data []byte, msg httpmsg.Message, carry *bytes.Buffer, last bool) []byte

func (f BodyFunc) Begin(httpmsg.Message) {}
func (f BodyFunc) FilterBody(data []byte, msg httpmsg.Message, carry *bytes.Buffer, last bool) []byte {
	return f(data, msg, carry, last)
}
func (f BodyFunc) WillModify() bool { return true }
func (f BodyFunc) End()             {}
