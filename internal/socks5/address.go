package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// MaxDomainLen is the longest domain name the one-byte length field allows.
const MaxDomainLen = 255

var errEmptyDomain = errors.New("empty domain name")

// Address is a destination or bound address in one of the three SOCKS5
// encodings. IP is set for AddrIPv4 and AddrIPv6, Name for AddrDomain.
type Address struct {
	Type AddrType
	IP   netip.Addr
	Name string
	Port uint16
}

// AddressFromIP returns an IPv4 or IPv6 address. IPv4-mapped IPv6 addresses
// are encoded as IPv4.
func AddressFromIP(ip netip.Addr, port uint16) Address {
	ip = ip.Unmap()
	if ip.Is4() {
		return Address{Type: AddrIPv4, IP: ip, Port: port}
	}
	return Address{Type: AddrIPv6, IP: ip, Port: port}
}

// DomainAddress returns a domain-name address. The name must be 1 to 255
// bytes long.
func DomainAddress(name string, port uint16) (Address, error) {
	if name == "" {
		return Address{}, errEmptyDomain
	}
	if len(name) > MaxDomainLen {
		return Address{}, fmt.Errorf("domain name is %d bytes, longer than %d", len(name), MaxDomainLen)
	}
	return Address{Type: AddrDomain, Name: name, Port: port}, nil
}

// ParseAddress parses "host:port". IP literals become AddrIPv4 or AddrIPv6,
// anything else AddrDomain.
func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	if ip, err := netip.ParseAddr(host); err == nil && ip.Zone() == "" {
		return AddressFromIP(ip, uint16(port)), nil
	}
	return DomainAddress(host, uint16(port))
}

// AddressFromNetAddr converts a TCP or UDP socket address.
func AddressFromNetAddr(addr net.Addr) (Address, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return addressFromAddrPort(a.AddrPort())
	case *net.UDPAddr:
		return addressFromAddrPort(a.AddrPort())
	case nil:
		return Address{}, errors.New("nil address")
	default:
		return ParseAddress(addr.String())
	}
}

func addressFromAddrPort(ap netip.AddrPort) (Address, error) {
	if !ap.Addr().IsValid() {
		return Address{}, errors.New("invalid IP address")
	}
	return AddressFromIP(ap.Addr().WithZone(""), ap.Port()), nil
}

// Host returns the IP literal or domain name without the port.
func (a Address) Host() string {
	if a.Type == AddrDomain {
		return a.Name
	}
	return a.IP.String()
}

// String returns a dialable "host:port".
func (a Address) String() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.Port)))
}

// WithHost returns a copy of a pointing at host, keeping the port.
func (a Address) WithHost(host string) (Address, error) {
	if ip, err := netip.ParseAddr(host); err == nil && ip.Zone() == "" {
		return AddressFromIP(ip, a.Port), nil
	}
	return DomainAddress(host, a.Port)
}

// EncodedLen is the length of the ATYP, ADDR and PORT fields.
func (a Address) EncodedLen() int {
	switch a.Type {
	case AddrIPv4:
		return 1 + 4 + 2
	case AddrIPv6:
		return 1 + 16 + 2
	default:
		return 1 + 1 + len(a.Name) + 2
	}
}

// AppendBinary appends the wire encoding ATYP | ADDR | PORT to b.
func (a Address) AppendBinary(b []byte) ([]byte, error) {
	switch a.Type {
	case AddrIPv4:
		if !a.IP.Is4() {
			return b, fmt.Errorf("%v is not an IPv4 address", a.IP)
		}
		ip := a.IP.As4()
		b = append(b, byte(AddrIPv4))
		b = append(b, ip[:]...)
	case AddrIPv6:
		if !a.IP.Is6() {
			return b, fmt.Errorf("%v is not an IPv6 address", a.IP)
		}
		ip := a.IP.As16()
		b = append(b, byte(AddrIPv6))
		b = append(b, ip[:]...)
	case AddrDomain:
		if a.Name == "" || len(a.Name) > MaxDomainLen {
			return b, fmt.Errorf("invalid domain name length %d", len(a.Name))
		}
		b = append(b, byte(AddrDomain), byte(len(a.Name)))
		b = append(b, a.Name...)
	default:
		return b, fmt.Errorf("unsupported %v", a.Type)
	}
	return binary.BigEndian.AppendUint16(b, a.Port), nil
}

// ReadAddress reads the ADDR and PORT fields for atyp from r, consuming
// exactly the bytes of that encoding.
func ReadAddress(r io.Reader, atyp AddrType) (Address, error) {
	var buf [1 + MaxDomainLen + 2]byte

	switch atyp {
	case AddrIPv4:
		b := buf[:4+2]
		if err := readFull(r, b); err != nil {
			return Address{}, fmt.Errorf("read IPv4 address: %w", err)
		}
		return Address{Type: AddrIPv4, IP: netip.AddrFrom4([4]byte(b[:4])), Port: binary.BigEndian.Uint16(b[4:])}, nil

	case AddrIPv6:
		b := buf[:16+2]
		if err := readFull(r, b); err != nil {
			return Address{}, fmt.Errorf("read IPv6 address: %w", err)
		}
		return Address{Type: AddrIPv6, IP: netip.AddrFrom16([16]byte(b[:16])), Port: binary.BigEndian.Uint16(b[16:])}, nil

	case AddrDomain:
		if err := readFull(r, buf[:1]); err != nil {
			return Address{}, fmt.Errorf("read domain length: %w", err)
		}
		n := int(buf[0])
		b := buf[1 : 1+n+2]
		if err := readFull(r, b); err != nil {
			return Address{}, fmt.Errorf("read domain name: %w", err)
		}
		if n == 0 {
			return Address{}, &ReplyError{Code: ReplyGeneralFailure, Err: errEmptyDomain}
		}
		// The protocol mandates no encoding for names; keep what we can.
		name := strings.ToValidUTF8(string(b[:n]), "\uFFFD")
		return Address{Type: AddrDomain, Name: name, Port: binary.BigEndian.Uint16(b[n:])}, nil

	default:
		return Address{}, replyError(ReplyAddressTypeUnsupported, "unsupported address type %#02x", byte(atyp))
	}
}
