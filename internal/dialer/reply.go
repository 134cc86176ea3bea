package dialer

import (
	"context"
	"errors"
	"net"

	"github.com/die-net/socks5d/internal/socks5"
)

type errnoReply struct {
	errno error
	code  socks5.ReplyCode
}

// ReplyFor maps a dial error to the SOCKS5 reply code that best describes
// it. Errors the platform does not classify fall back to
// ReplyNetworkUnreachable.
func ReplyFor(err error) socks5.ReplyCode {
	if err == nil {
		return socks5.ReplySucceeded
	}

	for _, er := range errnoReplies {
		if errors.Is(err, er.errno) {
			return er.code
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return socks5.ReplyHostUnreachable
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return socks5.ReplyHostUnreachable
	}
	return socks5.ReplyNetworkUnreachable
}
