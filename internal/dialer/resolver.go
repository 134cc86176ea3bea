package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DNSResolver resolves names by querying one nameserver directly, over UDP
// with a TCP retry for truncated answers.
type DNSResolver struct {
	server string
	udp    *dns.Client
	tcp    *dns.Client
}

// NewDNSResolver returns a resolver for server, given as "host" or
// "host:port" (port 53 by default). A zero timeout uses the library default.
func NewDNSResolver(server string, timeout time.Duration) (*DNSResolver, error) {
	addr, err := nameserverAddr(server)
	if err != nil {
		return nil, err
	}
	return &DNSResolver{
		server: addr,
		udp:    &dns.Client{Net: "udp", Timeout: timeout},
		tcp:    &dns.Client{Net: "tcp", Timeout: timeout},
	}, nil
}

// Server returns the nameserver address queries are sent to.
func (r *DNSResolver) Server() string {
	return r.server
}

func nameserverAddr(server string) (string, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return "", errors.New("empty nameserver address")
	}
	if _, err := netip.ParseAddr(server); err == nil || !strings.Contains(server, ":") {
		return net.JoinHostPort(server, "53"), nil
	}
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		return "", fmt.Errorf("nameserver %q: %w", server, err)
	}
	if host == "" {
		return "", fmt.Errorf("nameserver %q: missing host", server)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("nameserver %q: invalid port", server)
	}
	return server, nil
}

// LookupNetIP returns the A and/or AAAA records of host, IPv4 first.
func (r *DNSResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip}, nil
	}

	var qtypes []uint16
	switch network {
	case "ip":
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	case "ip4":
		qtypes = []uint16{dns.TypeA}
	case "ip6":
		qtypes = []uint16{dns.TypeAAAA}
	default:
		return nil, fmt.Errorf("lookup %s: unsupported network %q", host, network)
	}

	var (
		addrs   []netip.Addr
		lastErr error
	)
	for _, qtype := range qtypes {
		got, err := r.exchange(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		addrs = append(addrs, got...)
	}

	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, r.dnsError(host, errNoSuchHost.Error(), true)
	}
	return addrs, nil
}

func (r *DNSResolver) exchange(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)

	in, _, err := r.udp.ExchangeContext(ctx, m, r.server)
	if err == nil && in.Truncated {
		in, _, err = r.tcp.ExchangeContext(ctx, m, r.server)
	}
	if err != nil {
		de := r.dnsError(host, err.Error(), false)
		var ne net.Error
		de.IsTimeout = errors.As(err, &ne) && ne.Timeout()
		return nil, de
	}

	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, r.dnsError(host, errNoSuchHost.Error(), true)
	default:
		return nil, r.dnsError(host, "server replied "+dns.RcodeToString[in.Rcode], false)
	}

	var addrs []netip.Addr
	for _, rr := range in.Answer {
		switch rr := rr.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(rr.A); ok {
				addrs = append(addrs, ip.Unmap())
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(rr.AAAA); ok {
				addrs = append(addrs, ip)
			}
		}
	}
	return addrs, nil
}

func (r *DNSResolver) dnsError(host, msg string, notFound bool) *net.DNSError {
	return &net.DNSError{Err: msg, Name: host, Server: r.server, IsNotFound: notFound}
}
