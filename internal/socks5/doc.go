// Package socks5 implements the server side of the SOCKS5 wire protocol
// (RFC 1928) used by socks5d: method negotiation, the CONNECT request and
// its three address encodings, and reply frames.
//
// Frames are read with full-read semantics, so a peer that delivers a
// greeting or request a few bytes at a time is handled the same as one that
// sends it in a single segment. Exactly the bytes of each frame are consumed;
// nothing past the request is buffered, which lets the caller hand the
// connection straight to a relay.
//
// Framing of replies reuses the primitives in github.com/txthinking/socks5.
// Only the "no authentication required" method and the CONNECT command are
// accepted; everything else is representable for protocol fidelity and
// rejected.
package socks5
