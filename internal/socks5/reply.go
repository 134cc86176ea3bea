package socks5

import (
	"fmt"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// WriteReply writes a reply frame with the given code. A nil bound address,
// or one that is not an IP socket address, is reported as 0.0.0.0:0, which
// clients accept for CONNECT.
func WriteReply(w io.Writer, code ReplyCode, bound net.Addr) error {
	atyp, addr, port := placeholderBound()
	if bound != nil {
		if a, err := AddressFromNetAddr(bound); err == nil && a.Type != AddrDomain {
			atyp, addr, port = byte(a.Type), a.IP.AsSlice(), []byte{byte(a.Port >> 8), byte(a.Port)}
		}
	}

	if _, err := txsocks5.NewReply(byte(code), atyp, addr, port).WriteTo(w); err != nil {
		return fmt.Errorf("write %v reply: %w", code, err)
	}
	return nil
}

func placeholderBound() (atyp byte, addr, port []byte) {
	return txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}
}
