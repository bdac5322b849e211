// Package filter implements the proxy's user-extensible pipeline: header
// and body filter contracts, the match predicate that decides which filters
// see a message, ordered filter stacks with per-filter carry buffers for
// streaming rewrites, and the standard RFC 2616 header filter installed
// ahead of user filters.
package filter
