package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/socks5d/internal/dialer"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// SOCKS5Server accepts SOCKS5 clients and proxies their CONNECT requests.
type SOCKS5Server struct {
	ctx    context.Context
	cfg    Config
	log    *zap.Logger
	events EventSink

	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// NewSOCKS5Server returns a server whose sessions are cancelled when ctx is
// done. A nil cfg.Dialer dials directly with the platform resolver.
func NewSOCKS5Server(ctx context.Context, cfg Config) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{KeepAlive: cfg.KeepAlive})
	}
	events := cfg.Events
	if events == nil {
		events = NewLogSink(cfg.Logger)
	}
	return &SOCKS5Server{ctx: ctx, cfg: cfg, log: cfg.Logger, events: events}
}

// Serve accepts connections on ln and runs each session in its own
// goroutine. Failed accepts are logged and retried with backoff. Serve stops
// when ctx is done (closing ln and returning nil) or when ln is closed, and
// waits for running sessions before returning.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	defer s.wg.Wait()

	stop := context.AfterFunc(s.ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}

			delay = min(max(2*delay, minAcceptDelay), maxAcceptDelay)
			s.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return nil
			}
			continue
		}
		delay = 0

		id := s.nextID.Add(1)
		s.wg.Go(func() {
			s.serveSession(id, c)
		})
	}
}
