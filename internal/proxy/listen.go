package proxy

import (
	"context"
	"fmt"
	"net"
)

// ListenTCP binds addr for SOCKS5 clients. Accepted connections use
// keepAlive; a disabled keepAlive turns probes off instead of leaving the
// platform default in place.
func ListenTCP(ctx context.Context, network, addr string, keepAlive net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{KeepAliveConfig: keepAlive}
	if !keepAlive.Enable {
		lc.KeepAlive = -1
	}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return ln, nil
}
