// Package dialer provides the proxy's outbound dialing chain.
//
// Dialers implement a small interface (DialContext) and are used by the
// upstream client and the CONNECT tunnel to reach origins either directly
// or through a parent proxy (HTTP CONNECT or SOCKS5).
package dialer
