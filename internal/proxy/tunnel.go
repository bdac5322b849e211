package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/sieveproxy/sieve/internal/httpmsg"
	"github.com/sieveproxy/sieve/internal/logging"
)

// tunnel serves a CONNECT request: validate the target, dial it through
// the outbound chain, reply 200, then splice bytes both ways until either
// side closes or the idle timeout fires. No filters apply to the payload.
func (cs *connServer) tunnel(ctx context.Context, req *httpmsg.Request) {
	p := cs.p
	target := req.Authority()

	if _, _, err := net.SplitHostPort(target); err != nil {
		cs.sendRaw(errorResponse(400, "", fmt.Sprintf("Bad CONNECT target %q\n", target)), req.Method)
		return
	}

	dialCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	server, err := p.dial.DialContext(dialCtx, "tcp", target)
	if err != nil {
		p.log.Logf(logging.Connect, cs.fctx.ConnID, "CONNECT %s failed: %v", target, err)
		cs.sendRaw(errorResponse(502, "", err.Error()+"\n"), req.Method)
		return
	}

	if _, err := fmt.Fprintf(cs.bw, "%s 200 Connection established\r\n\r\n", req.Proto()); err != nil {
		_ = server.Close()
		return
	}
	if err := cs.bw.Flush(); err != nil {
		_ = server.Close()
		return
	}

	p.met.TunnelsTotal.Inc()
	p.log.Logf(logging.Connect, cs.fctx.ConnID, "CONNECT tunnel to %s", target)

	// Bytes the client pipelined behind the CONNECT head are already in
	// our read buffer; hand them to the server before splicing raw.
	if n := cs.br.Buffered(); n > 0 {
		buffered, _ := cs.br.Peek(n)
		if _, err := server.Write(buffered); err != nil {
			_ = server.Close()
			return
		}
		_, _ = cs.br.Discard(n)
	}

	_ = CopyBidirectional(ctx, cs.conn, server, p.cfg.Timeout)
}
