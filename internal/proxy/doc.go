// Package proxy implements the socks5d listener side: the accept loop, the
// per-connection SOCKS5 session, and the bidirectional relay between a client
// and its destination.
//
// Sessions share no mutable state. Each owns its client socket and, once
// dialed, its destination socket; closing a socket is how a session is
// cancelled. Session outcomes are reported to an EventSink.
package proxy
