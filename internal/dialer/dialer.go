package dialer

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver mirrors (*net.Resolver).LookupNetIP so the platform resolver
// satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// New constructs the outbound Dialer described by cfg.
//
// Names are resolved by cfg.Resolver if set, otherwise by a DNSResolver
// querying cfg.DNSServer if set, otherwise by the platform resolver.
func New(cfg Config) (Dialer, error) {
	if cfg.Resolver == nil && cfg.DNSServer != "" {
		r, err := NewDNSResolver(cfg.DNSServer, cfg.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid dns server: %w", err)
		}
		cfg.Resolver = r
	}
	return NewDirectDialer(cfg), nil
}
