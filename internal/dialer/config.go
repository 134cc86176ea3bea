package dialer

import (
	"net"
	"time"
)

type Config struct {
	// DialTimeout bounds name resolution plus TCP connect. Zero leaves it to
	// the platform.
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig

	// DNSServer is a nameserver ("host" or "host:port") to resolve domain
	// names with instead of the platform resolver.
	DNSServer string

	// Resolver overrides DNSServer and the platform resolver.
	Resolver Resolver
}
