package socks5

import (
	"fmt"

	txsocks5 "github.com/txthinking/socks5"
)

// Version is the protocol version byte that starts every SOCKS5 frame.
const Version = txsocks5.Ver

// Method is an authentication method advertised in the greeting.
type Method byte

// Authentication methods as defined in RFC 1928 section 3.
const (
	MethodNoAuth           Method = Method(txsocks5.MethodNone)
	MethodGSSAPI           Method = 0x01
	MethodUsernamePassword Method = Method(txsocks5.MethodUsernamePassword)
	MethodNoAcceptable     Method = 0xff
)

func (m Method) String() string {
	switch m {
	case MethodNoAuth:
		return "no authentication required"
	case MethodGSSAPI:
		return "GSSAPI"
	case MethodUsernamePassword:
		return "username/password"
	case MethodNoAcceptable:
		return "no acceptable methods"
	default:
		return fmt.Sprintf("method %#02x", byte(m))
	}
}

// Command is the CMD field of a request.
type Command byte

// Request commands as defined in RFC 1928 section 4.
const (
	CmdConnect      Command = Command(txsocks5.CmdConnect)
	CmdBind         Command = 0x02
	CmdUDPAssociate Command = 0x03
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "CONNECT"
	case CmdBind:
		return "BIND"
	case CmdUDPAssociate:
		return "UDP ASSOCIATE"
	default:
		return fmt.Sprintf("command %#02x", byte(c))
	}
}

// AddrType is the ATYP field identifying how an address is encoded.
type AddrType byte

const (
	AddrIPv4   AddrType = AddrType(txsocks5.ATYPIPv4)
	AddrDomain AddrType = AddrType(txsocks5.ATYPDomain)
	AddrIPv6   AddrType = AddrType(txsocks5.ATYPIPv6)
)

func (t AddrType) String() string {
	switch t {
	case AddrIPv4:
		return "IPv4"
	case AddrDomain:
		return "domain"
	case AddrIPv6:
		return "IPv6"
	default:
		return fmt.Sprintf("address type %#02x", byte(t))
	}
}

// ReplyCode is the REP field of a reply frame.
type ReplyCode byte

// Reply codes as defined in RFC 1928 section 6.
const (
	ReplySucceeded              ReplyCode = ReplyCode(txsocks5.RepSuccess)
	ReplyGeneralFailure         ReplyCode = 0x01
	ReplyNotAllowed             ReplyCode = 0x02
	ReplyNetworkUnreachable     ReplyCode = 0x03
	ReplyHostUnreachable        ReplyCode = 0x04
	ReplyConnectionRefused      ReplyCode = ReplyCode(txsocks5.RepConnectionRefused)
	ReplyTTLExpired             ReplyCode = 0x06
	ReplyCommandUnsupported     ReplyCode = ReplyCode(txsocks5.RepCommandNotSupported)
	ReplyAddressTypeUnsupported ReplyCode = 0x08
)

func (r ReplyCode) String() string {
	switch r {
	case ReplySucceeded:
		return "succeeded"
	case ReplyGeneralFailure:
		return "general SOCKS server failure"
	case ReplyNotAllowed:
		return "connection not allowed by ruleset"
	case ReplyNetworkUnreachable:
		return "network unreachable"
	case ReplyHostUnreachable:
		return "host unreachable"
	case ReplyConnectionRefused:
		return "connection refused"
	case ReplyTTLExpired:
		return "TTL expired"
	case ReplyCommandUnsupported:
		return "command not supported"
	case ReplyAddressTypeUnsupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("reply %#02x", byte(r))
	}
}
