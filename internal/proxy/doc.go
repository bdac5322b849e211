// Package proxy implements the filtering HTTP proxy itself: the control
// surface owning configuration, filter stacks and the engine, the
// per-connection request loop with its streaming filtered responses, and
// CONNECT tunneling.
package proxy
