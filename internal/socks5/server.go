package socks5

import (
	"fmt"
	"io"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// Request is a validated CONNECT request.
type Request struct {
	Command Command
	Addr    Address
}

// Handshake performs method negotiation on a freshly accepted connection and
// selects "no authentication required". If the client does not offer it,
// Handshake replies that no method is acceptable and returns
// ErrNoAcceptableMethods. A bad version byte gets no reply.
func Handshake(rw io.ReadWriter) error {
	var hdr [2]byte
	if err := readFull(rw, hdr[:]); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if hdr[0] != Version {
		return fmt.Errorf("greeting: %w", UnsupportedVersionError(hdr[0]))
	}

	methods := make([]byte, int(hdr[1]))
	if err := readFull(rw, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	if !slices.Contains(methods, byte(MethodNoAuth)) {
		_, _ = txsocks5.NewNegotiationReply(byte(MethodNoAcceptable)).WriteTo(rw)
		return ErrNoAcceptableMethods
	}
	if _, err := txsocks5.NewNegotiationReply(byte(MethodNoAuth)).WriteTo(rw); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ReadRequest reads a request and its destination address. Failures that the
// client should be told about are *ReplyError; a bad version byte is an
// UnsupportedVersionError and gets no reply.
func ReadRequest(r io.Reader) (Request, error) {
	var hdr [4]byte
	if err := readFull(r, hdr[:]); err != nil {
		return Request{}, fmt.Errorf("read request: %w", err)
	}

	if hdr[0] != Version {
		return Request{}, fmt.Errorf("request: %w", UnsupportedVersionError(hdr[0]))
	}
	if hdr[2] != 0x00 {
		return Request{}, replyError(ReplyGeneralFailure, "reserved byte is %#02x", hdr[2])
	}
	cmd := Command(hdr[1])
	if cmd != CmdConnect {
		return Request{}, replyError(ReplyCommandUnsupported, "unsupported command %v", cmd)
	}

	addr, err := ReadAddress(r, AddrType(hdr[3]))
	if err != nil {
		return Request{}, err
	}
	return Request{Command: cmd, Addr: addr}, nil
}
