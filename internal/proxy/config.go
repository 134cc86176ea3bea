package proxy

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/socks5d/internal/dialer"
	"github.com/die-net/socks5d/internal/policy"
)

type Config struct {
	// NegotiationTimeout bounds the handshake, request and reply. Zero
	// means no deadline.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	Dialer dialer.Dialer

	// Policy may deny or rewrite destinations. Nil allows everything.
	Policy policy.Policy

	// Events receives one Event per session. Nil logs them to Logger.
	Events EventSink

	Logger *zap.Logger

	// ReportBoundAddr sends the outbound socket's local address in the
	// success reply instead of 0.0.0.0:0.
	ReportBoundAddr bool
}
