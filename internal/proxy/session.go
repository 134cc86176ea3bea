package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/socks5d/internal/dialer"
	"github.com/die-net/socks5d/internal/socks5"
)

// session is one client connection from greeting to close.
type session struct {
	cfg  *Config
	conn net.Conn

	// stage is the outcome reported if the session fails now.
	stage Outcome
	ev    Event
}

func (s *SOCKS5Server) serveSession(id uint64, conn net.Conn) {
	start := time.Now()
	ss := &session{
		cfg:  &s.cfg,
		conn: conn,
		ev:   Event{SessionID: id, Client: conn.RemoteAddr()},
	}

	defer func() {
		if p := recover(); p != nil {
			s.log.Error("session panic", zap.Uint64("session", id), zap.Any("panic", p), zap.Stack("stack"))
			ss.fail(fmt.Errorf("panic: %v", p))
		}
		_ = conn.Close()
		ss.ev.Duration = time.Since(start)
		s.events.SessionDone(ss.ev)
	}()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Closing the socket is what unblocks a session stuck in I/O.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	ss.run(ctx)
}

func (ss *session) run(ctx context.Context) {
	conn := ss.conn

	if ss.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(ss.cfg.NegotiationTimeout))
	}

	ss.stage = OutcomeHandshakeFailed
	if err := socks5.Handshake(conn); err != nil {
		ss.fail(err)
		return
	}

	ss.stage = OutcomeRequestFailed
	req, err := socks5.ReadRequest(conn)
	if err != nil {
		if code, ok := socks5.ReplyFor(err); ok {
			_ = ss.reply(code, nil)
		}
		ss.fail(err)
		return
	}
	dst := req.Addr
	ss.ev.Target = dst.String()

	if ss.cfg.Policy != nil {
		ss.stage = OutcomeDenied
		dst, err = ss.cfg.Policy.Apply(ctx, dst)
		if err != nil {
			code, ok := socks5.ReplyFor(err)
			if !ok {
				code = socks5.ReplyNotAllowed
			}
			_ = ss.reply(code, nil)
			ss.fail(err)
			return
		}
		ss.ev.Target = dst.String()
	}

	// The dial has its own timeout. Leaving the negotiation deadline armed
	// would let a slow dial eat the time needed to send its reply.
	_ = conn.SetDeadline(time.Time{})

	ss.stage = OutcomeDialFailed
	up, err := ss.cfg.Dialer.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		_ = ss.reply(dialer.ReplyFor(err), nil)
		ss.fail(err)
		return
	}
	defer up.Close()

	ss.stage = OutcomeRelayFailed
	var bound net.Addr
	if ss.cfg.ReportBoundAddr {
		bound = up.LocalAddr()
	}
	if err := ss.reply(socks5.ReplySucceeded, bound); err != nil {
		ss.fail(err)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	stats, err := Relay(ctx, conn, up)
	ss.ev.BytesUp, ss.ev.BytesDown = stats.Upstream, stats.Downstream
	if err != nil {
		ss.fail(fmt.Errorf("relay: %w", err))
		return
	}
	ss.ev.Outcome = OutcomeSucceeded
}

// reply writes a reply frame, bounded by the negotiation timeout.
func (ss *session) reply(code socks5.ReplyCode, bound net.Addr) error {
	if ss.cfg.NegotiationTimeout > 0 {
		_ = ss.conn.SetWriteDeadline(time.Now().Add(ss.cfg.NegotiationTimeout))
	}
	if err := socks5.WriteReply(ss.conn, code, bound); err != nil {
		return err
	}
	ss.ev.Reply, ss.ev.ReplySent = code, true
	return nil
}

func (ss *session) fail(err error) {
	ss.ev.Outcome = ss.stage
	ss.ev.Err = err
}
