package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"runtime"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/txthinking/socks5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	xproxy "golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/socks5d/internal/dialer"
	"github.com/die-net/socks5d/internal/policy"
	s5 "github.com/die-net/socks5d/internal/socks5"
	"github.com/die-net/socks5d/internal/testutil"
)

// hostsResolver resolves names from a fixed table.
type hostsResolver map[string][]netip.Addr

func (r hostsResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if ips, ok := r[host]; ok {
		return ips, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// countingDialer records how many dials were attempted.
type countingDialer struct {
	dialer.Dialer
	calls atomic.Int32
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls.Add(1)
	return d.Dialer.DialContext(ctx, network, address)
}

func newTestDialer() dialer.Dialer {
	return dialer.NewDirectDialer(dialer.Config{
		DialTimeout: 2 * time.Second,
		Resolver:    hostsResolver{"echo.test": {netip.MustParseAddr("127.0.0.1")}},
	})
}

type testServer struct {
	addr   string
	events chan Event
	cancel context.CancelFunc
	done   chan error
}

// startSOCKS5Server runs a server on loopback until the test ends. cfg.Events
// is replaced with a channel the test can read.
func startSOCKS5Server(t *testing.T, cfg Config) *testServer {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		cancel()
		t.Fatal(err)
	}

	ts := &testServer{
		addr:   ln.Addr().String(),
		events: make(chan Event, 64),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	cfg.Events = EventSinkFunc(func(ev Event) { ts.events <- ev })
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = newTestDialer()
	}

	srv := NewSOCKS5Server(ctx, cfg)
	go func() { ts.done <- srv.Serve(ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ts
}

func (ts *testServer) nextEvent(t *testing.T) Event {
	t.Helper()

	select {
	case ev := <-ts.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no session event")
		return Event{}
	}
}

func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()

	c, err := net.DialTimeout("tcp", ts.addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

func expectBytes(t *testing.T, r io.Reader, want []byte) {
	t.Helper()

	got := make([]byte, len(want))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("reading %x: %v", want, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

// expectClosed checks that the server closed the connection without sending
// anything more.
func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()

	rest, _ := io.ReadAll(c)
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes %x", rest)
	}
}

func connectRequestIPv4(addr string) []byte {
	ap := netip.MustParseAddrPort(addr)
	ip := ap.Addr().As4()
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, ip[:]...)
	return binary.BigEndian.AppendUint16(req, ap.Port())
}

func TestSOCKS5ConnectScenario(t *testing.T) {
	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	defer echoLn.Close()

	ts := startSOCKS5Server(t, Config{})
	c := ts.dial(t)

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x00})

	if _, err := c.Write(connectRequestIPv4(echoLn.Addr().String())); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	msg := []byte("hello through the proxy")
	testutil.AssertEcho(t, c, c, msg)
	_ = c.Close()

	ev := ts.nextEvent(t)
	if ev.Outcome != OutcomeSucceeded || ev.Err != nil {
		t.Fatalf("outcome %v err %v", ev.Outcome, ev.Err)
	}
	if ev.Target != echoLn.Addr().String() {
		t.Fatalf("target %q", ev.Target)
	}
	if !ev.ReplySent || ev.Reply != s5.ReplySucceeded {
		t.Fatalf("reply %v sent=%v", ev.Reply, ev.ReplySent)
	}
	if ev.BytesUp != int64(len(msg)) || ev.BytesDown != int64(len(msg)) {
		t.Fatalf("bytes up=%d down=%d", ev.BytesUp, ev.BytesDown)
	}
	if ev.SessionID == 0 || ev.Client == nil {
		t.Fatalf("missing session identity: %+v", ev)
	}
}

func TestSOCKS5ReportBoundAddr(t *testing.T) {
	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	defer echoLn.Close()

	ts := startSOCKS5Server(t, Config{ReportBoundAddr: true})
	c := ts.dial(t)

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x00})
	if _, err := c.Write(connectRequestIPv4(echoLn.Addr().String())); err != nil {
		t.Fatal(err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reply[:8], []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1}) {
		t.Fatalf("reply %x", reply)
	}
	if port := binary.BigEndian.Uint16(reply[8:]); port == 0 {
		t.Fatalf("bound port is zero: %x", reply)
	}
}

func TestSOCKS5ConnectRefused(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("errno mapping is unix-only")
	}

	ts := startSOCKS5Server(t, Config{})
	c := ts.dial(t)

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x00})
	if _, err := c.Write(connectRequestIPv4(testutil.ClosedTCPAddr(t))); err != nil {
		t.Fatal(err)
	}
	expectBytes(t, c, []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	expectClosed(t, c)

	ev := ts.nextEvent(t)
	if ev.Outcome != OutcomeDialFailed || ev.Reply != s5.ReplyConnectionRefused {
		t.Fatalf("outcome %v reply %v", ev.Outcome, ev.Reply)
	}
}

func TestSOCKS5Rejections(t *testing.T) {
	deny, err := policy.NewRules([]string{"blocked.test"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	blocked := append([]byte{0x05, 0x01, 0x00, 0x03, byte(len("blocked.test"))}, "blocked.test"...)
	blocked = append(blocked, 0x00, 0x50)

	failure := func(code s5.ReplyCode) []byte {
		return []byte{0x05, byte(code), 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	}

	tests := []struct {
		name     string
		policy   policy.Policy
		greeting []byte
		wantNeg  []byte
		request  []byte
		want     []byte
		outcome  Outcome
		reply    s5.ReplyCode
		dials    int32
	}{
		{
			name:     "socks4 greeting",
			greeting: []byte{0x04, 0x01},
			outcome:  OutcomeHandshakeFailed,
		},
		{
			name:     "no acceptable methods",
			greeting: []byte{0x05, 0x01, 0x02},
			wantNeg:  []byte{0x05, 0xff},
			outcome:  OutcomeHandshakeFailed,
		},
		{
			name:     "bind",
			greeting: []byte{0x05, 0x01, 0x00},
			wantNeg:  []byte{0x05, 0x00},
			request:  []byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50},
			want:     failure(s5.ReplyCommandUnsupported),
			outcome:  OutcomeRequestFailed,
			reply:    s5.ReplyCommandUnsupported,
		},
		{
			name:     "udp associate",
			greeting: []byte{0x05, 0x01, 0x00},
			wantNeg:  []byte{0x05, 0x00},
			request:  []byte{0x05, 0x03, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50},
			want:     failure(s5.ReplyCommandUnsupported),
			outcome:  OutcomeRequestFailed,
			reply:    s5.ReplyCommandUnsupported,
		},
		{
			name:     "unknown address type",
			greeting: []byte{0x05, 0x01, 0x00},
			wantNeg:  []byte{0x05, 0x00},
			request:  []byte{0x05, 0x01, 0x00, 0x05},
			want:     failure(s5.ReplyAddressTypeUnsupported),
			outcome:  OutcomeRequestFailed,
			reply:    s5.ReplyAddressTypeUnsupported,
		},
		{
			name:     "reserved byte set",
			greeting: []byte{0x05, 0x01, 0x00},
			wantNeg:  []byte{0x05, 0x00},
			request:  []byte{0x05, 0x01, 0x01, 0x01},
			want:     failure(s5.ReplyGeneralFailure),
			outcome:  OutcomeRequestFailed,
			reply:    s5.ReplyGeneralFailure,
		},
		{
			name:     "request version",
			greeting: []byte{0x05, 0x01, 0x00},
			wantNeg:  []byte{0x05, 0x00},
			request:  []byte{0x04, 0x01, 0x00, 0x01},
			outcome:  OutcomeRequestFailed,
		},
		{
			name:     "denied by policy",
			policy:   deny,
			greeting: []byte{0x05, 0x01, 0x00},
			wantNeg:  []byte{0x05, 0x00},
			request:  blocked,
			want:     failure(s5.ReplyNotAllowed),
			outcome:  OutcomeDenied,
			reply:    s5.ReplyNotAllowed,
		},
		{
			name:     "unresolvable host",
			greeting: []byte{0x05, 0x01, 0x00},
			wantNeg:  []byte{0x05, 0x00},
			request:  append(append([]byte{0x05, 0x01, 0x00, 0x03, 0x0c}, "missing.test"...), 0x00, 0x50),
			want:     failure(s5.ReplyHostUnreachable),
			outcome:  OutcomeDialFailed,
			reply:    s5.ReplyHostUnreachable,
			dials:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &countingDialer{Dialer: newTestDialer()}
			ts := startSOCKS5Server(t, Config{Policy: tt.policy, Dialer: d})
			c := ts.dial(t)

			if _, err := c.Write(tt.greeting); err != nil {
				t.Fatal(err)
			}
			if tt.wantNeg != nil {
				expectBytes(t, c, tt.wantNeg)
			}
			if tt.request != nil {
				if _, err := c.Write(tt.request); err != nil {
					t.Fatal(err)
				}
			}
			if tt.want != nil {
				expectBytes(t, c, tt.want)
			}
			expectClosed(t, c)

			ev := ts.nextEvent(t)
			if ev.Outcome != tt.outcome {
				t.Fatalf("outcome %v want %v (err %v)", ev.Outcome, tt.outcome, ev.Err)
			}
			if ev.Err == nil {
				t.Fatal("failed session has no error")
			}
			if ev.ReplySent != (tt.want != nil) || (ev.ReplySent && ev.Reply != tt.reply) {
				t.Fatalf("reply %v sent=%v", ev.Reply, ev.ReplySent)
			}
			if got := d.calls.Load(); got != tt.dials {
				t.Fatalf("%d dials attempted, want %d", got, tt.dials)
			}
		})
	}
}

func TestSOCKS5PolicyRewrite(t *testing.T) {
	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	defer echoLn.Close()
	_, port, _ := net.SplitHostPort(echoLn.Addr().String())

	rules, err := policy.NewRules(nil, map[string]string{"alias.test": "127.0.0.1:" + port})
	if err != nil {
		t.Fatal(err)
	}
	ts := startSOCKS5Server(t, Config{Policy: rules})

	client, err := socks5.NewClient(ts.addr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", "alias.test:9")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("rewritten"))
	_ = c.Close()

	if ev := ts.nextEvent(t); ev.Target != echoLn.Addr().String() {
		t.Fatalf("target %q", ev.Target)
	}
}

func TestSOCKS5Clients(t *testing.T) {
	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	defer echoLn.Close()
	_, port, _ := net.SplitHostPort(echoLn.Addr().String())

	ts := startSOCKS5Server(t, Config{})

	tests := []struct {
		name string
		dial func(addr string) (net.Conn, error)
	}{
		{
			name: "txthinking",
			dial: func(addr string) (net.Conn, error) {
				client, err := socks5.NewClient(ts.addr, "", "", 2, 0)
				if err != nil {
					return nil, err
				}
				return client.Dial("tcp", addr)
			},
		},
		{
			name: "x/net/proxy",
			dial: func(addr string) (net.Conn, error) {
				d, err := xproxy.SOCKS5("tcp", ts.addr, nil, xproxy.Direct)
				if err != nil {
					return nil, err
				}
				return d.Dial("tcp", addr)
			},
		},
	}

	for _, tt := range tests {
		for _, addr := range []string{echoLn.Addr().String(), net.JoinHostPort("echo.test", port)} {
			t.Run(tt.name+"/"+addr, func(t *testing.T) {
				c, err := tt.dial(addr)
				if err != nil {
					t.Fatal(err)
				}
				defer c.Close()
				testutil.AssertEcho(t, c, c, []byte("hello "+tt.name))
			})
		}
	}
}

func TestSOCKS5ConcurrentSessions(t *testing.T) {
	const sessions = 8

	// Each session gets its own destination.
	targets := make([]string, sessions)
	for i := range targets {
		ln := testutil.StartEchoTCPServer(t, context.Background())
		defer ln.Close()
		targets[i] = ln.Addr().String()
	}

	ts := startSOCKS5Server(t, Config{})

	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			client, err := socks5.NewClient(ts.addr, "", "", 2, 0)
			if err != nil {
				return err
			}
			c, err := client.Dial("tcp", target)
			if err != nil {
				return err
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(5 * time.Second))

			for round := range 10 {
				msg := []byte("session " + strconv.Itoa(i) + " round " + strconv.Itoa(round))
				if _, err := c.Write(msg); err != nil {
					return err
				}
				got := make([]byte, len(msg))
				if _, err := io.ReadFull(c, got); err != nil {
					return err
				}
				if !bytes.Equal(got, msg) {
					return fmt.Errorf("session %d got %q want %q", i, got, msg)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	seen := make(map[uint64]bool)
	dialed := make(map[string]bool)
	for range sessions {
		ev := ts.nextEvent(t)
		if ev.Outcome != OutcomeSucceeded {
			t.Fatalf("session %d: %v %v", ev.SessionID, ev.Outcome, ev.Err)
		}
		if seen[ev.SessionID] {
			t.Fatalf("duplicate session id %d", ev.SessionID)
		}
		seen[ev.SessionID] = true
		dialed[ev.Target] = true
	}
	if len(dialed) != sessions {
		t.Fatalf("sessions reached %d distinct destinations, want %d", len(dialed), sessions)
	}
}

// A dial slower than the negotiation timeout must still get its reply.
func TestSOCKS5SlowDialReply(t *testing.T) {
	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	defer echoLn.Close()

	tests := []struct {
		name    string
		dialErr error
		want    s5.ReplyCode
		outcome Outcome
	}{
		{name: "failure", dialErr: errors.New("no route"), want: s5.ReplyNetworkUnreachable, outcome: OutcomeDialFailed},
		{name: "success", want: s5.ReplySucceeded, outcome: OutcomeSucceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slow := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
				time.Sleep(300 * time.Millisecond)
				if tt.dialErr != nil {
					return nil, tt.dialErr
				}
				var d net.Dialer
				return d.DialContext(ctx, network, address)
			})
			ts := startSOCKS5Server(t, Config{NegotiationTimeout: 100 * time.Millisecond, Dialer: slow})
			c := ts.dial(t)

			if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
				t.Fatal(err)
			}
			expectBytes(t, c, []byte{0x05, 0x00})
			if _, err := c.Write(connectRequestIPv4(echoLn.Addr().String())); err != nil {
				t.Fatal(err)
			}
			expectBytes(t, c, []byte{0x05, byte(tt.want), 0x00, 0x01, 0, 0, 0, 0, 0, 0})

			if tt.outcome == OutcomeSucceeded {
				// Relaying outlives the negotiation timeout.
				time.Sleep(200 * time.Millisecond)
				testutil.AssertEcho(t, c, c, []byte("late but fine"))
			}
			_ = c.Close()

			ev := ts.nextEvent(t)
			if ev.Outcome != tt.outcome || !ev.ReplySent || ev.Reply != tt.want {
				t.Fatalf("outcome %v reply %v sent=%v err %v", ev.Outcome, ev.Reply, ev.ReplySent, ev.Err)
			}
		})
	}
}

func TestSOCKS5NegotiationTimeout(t *testing.T) {
	ts := startSOCKS5Server(t, Config{NegotiationTimeout: 100 * time.Millisecond})
	c := ts.dial(t)

	// Half a greeting, then silence.
	if _, err := c.Write([]byte{0x05}); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, c)

	ev := ts.nextEvent(t)
	if ev.Outcome != OutcomeHandshakeFailed {
		t.Fatalf("outcome %v", ev.Outcome)
	}
	var ne net.Error
	if !errors.As(ev.Err, &ne) || !ne.Timeout() {
		t.Fatalf("err=%v, want timeout", ev.Err)
	}
}

func TestSOCKS5ShutdownClosesSessions(t *testing.T) {
	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	defer echoLn.Close()

	ts := startSOCKS5Server(t, Config{})

	client, err := socks5.NewClient(ts.addr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("before shutdown"))

	ts.cancel()

	select {
	case err := <-ts.done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
		ts.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatal("session still open after shutdown")
	}

	if ev := ts.nextEvent(t); ev.Outcome != OutcomeRelayFailed || !errors.Is(ev.Err, context.Canceled) {
		t.Fatalf("outcome %v err %v", ev.Outcome, ev.Err)
	}
}

func TestSOCKS5ServeClosedListener(t *testing.T) {
	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	_ = ln.Close()

	srv := NewSOCKS5Server(context.Background(), Config{Logger: zap.NewNop()})
	if err := srv.Serve(ln); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("err=%v, want net.ErrClosed", err)
	}
}

func TestListenTCPBindFailure(t *testing.T) {
	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if _, err := ListenTCP(context.Background(), "tcp", ln.Addr().String(), net.KeepAliveConfig{}); err == nil {
		t.Fatal("expected bind failure on a port already in use")
	}
}
