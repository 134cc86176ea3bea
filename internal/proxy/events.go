package proxy

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/socks5d/internal/socks5"
)

// Outcome is how a session ended.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeHandshakeFailed
	OutcomeRequestFailed
	OutcomeDenied
	OutcomeDialFailed
	OutcomeRelayFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeHandshakeFailed:
		return "handshake_failed"
	case OutcomeRequestFailed:
		return "request_failed"
	case OutcomeDenied:
		return "denied"
	case OutcomeDialFailed:
		return "dial_failed"
	case OutcomeRelayFailed:
		return "relay_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Event describes a finished session. Err is set for every outcome other
// than OutcomeSucceeded.
type Event struct {
	SessionID uint64
	Client    net.Addr
	Target    string // empty if the request was never parsed

	Outcome Outcome
	Err     error

	// Reply is the reply code sent to the client, if ReplySent.
	Reply     socks5.ReplyCode
	ReplySent bool

	Duration  time.Duration
	BytesUp   int64
	BytesDown int64
}

// EventSink receives session events. SessionDone is called from the
// session's own goroutine and must be safe for concurrent use.
type EventSink interface {
	SessionDone(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) SessionDone(ev Event) { f(ev) }

type logSink struct {
	log *zap.Logger
}

// NewLogSink returns an EventSink that logs successful sessions at debug
// level and failed ones at info level.
func NewLogSink(log *zap.Logger) EventSink {
	return &logSink{log: log}
}

func (s *logSink) SessionDone(ev Event) {
	fields := []zap.Field{
		zap.Uint64("session", ev.SessionID),
		zap.Stringer("outcome", ev.Outcome),
		zap.Duration("duration", ev.Duration),
		zap.Int64("bytes_up", ev.BytesUp),
		zap.Int64("bytes_down", ev.BytesDown),
	}
	if ev.Client != nil {
		fields = append(fields, zap.Stringer("client", ev.Client))
	}
	if ev.Target != "" {
		fields = append(fields, zap.String("target", ev.Target))
	}
	if ev.ReplySent {
		fields = append(fields, zap.Stringer("reply", ev.Reply))
	}

	if ev.Outcome == OutcomeSucceeded {
		s.log.Debug("session closed", fields...)
		return
	}
	s.log.Info("session failed", append(fields, zap.Error(ev.Err))...)
}
