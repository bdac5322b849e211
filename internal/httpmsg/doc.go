// Package httpmsg models HTTP/1.x requests and responses with an ordered,
// case-insensitive header bag, and provides the wire-level reading and
// writing the proxy needs: request parsing with URI normalization, body
// framing (Content-Length and chunked), and chunked re-encoding of
// outbound bodies.
package httpmsg
