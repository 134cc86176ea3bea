//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package dialer

import (
	"golang.org/x/sys/unix"

	"github.com/die-net/socks5d/internal/socks5"
)

var errnoReplies = []errnoReply{
	{unix.ECONNREFUSED, socks5.ReplyConnectionRefused},
	{unix.EHOSTUNREACH, socks5.ReplyHostUnreachable},
	{unix.EHOSTDOWN, socks5.ReplyHostUnreachable},
	{unix.ETIMEDOUT, socks5.ReplyHostUnreachable},
	{unix.ENETUNREACH, socks5.ReplyNetworkUnreachable},
	{unix.ENETDOWN, socks5.ReplyNetworkUnreachable},
	{unix.EACCES, socks5.ReplyNotAllowed},
	{unix.EPERM, socks5.ReplyNotAllowed},
}
