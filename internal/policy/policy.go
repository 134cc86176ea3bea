// Package policy decides, per request, whether a destination may be dialed
// and where it should actually go. Policies run after a request has been
// parsed and before the dialer, so protocol parsing never carries business
// rules.
package policy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/die-net/socks5d/internal/socks5"
)

// ErrDenied is returned for destinations a policy refuses.
var ErrDenied = errors.New("destination denied by policy")

// Policy inspects a requested destination and returns the one to dial.
type Policy interface {
	Apply(ctx context.Context, dst socks5.Address) (socks5.Address, error)
}

// Func adapts a function to Policy.
type Func func(ctx context.Context, dst socks5.Address) (socks5.Address, error)

func (f Func) Apply(ctx context.Context, dst socks5.Address) (socks5.Address, error) {
	return f(ctx, dst)
}

// Rules is a static Policy of host deny and rewrite rules.
//
// A deny pattern matches a host exactly, or with a leading "." the host and
// all of its subdomains. Rewrites match hosts exactly and are applied before
// deny rules are checked against the result.
type Rules struct {
	deny    []string
	rewrite map[string]rewriteTarget
}

type rewriteTarget struct {
	host string
	port uint16 // 0 keeps the requested port
}

// NewRules builds Rules from deny patterns and rewrites of the form
// from-host -> to-host or to-host:port.
func NewRules(deny []string, rewrite map[string]string) (*Rules, error) {
	r := &Rules{rewrite: make(map[string]rewriteTarget, len(rewrite))}

	for _, d := range deny {
		d = normalizeHost(d)
		if d == "" || d == "." {
			return nil, errors.New("empty deny pattern")
		}
		r.deny = append(r.deny, d)
	}

	for from, to := range rewrite {
		from = normalizeHost(from)
		if from == "" {
			return nil, errors.New("empty rewrite source")
		}
		t, err := parseRewriteTarget(to)
		if err != nil {
			return nil, fmt.Errorf("rewrite %s: %w", from, err)
		}
		r.rewrite[from] = t
	}

	return r, nil
}

// Empty reports whether r has no rules, so applying it never changes a
// destination.
func (r *Rules) Empty() bool {
	return len(r.deny) == 0 && len(r.rewrite) == 0
}

func parseRewriteTarget(s string) (rewriteTarget, error) {
	s = strings.TrimSpace(s)
	if host, port, err := net.SplitHostPort(s); err == nil {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil || p == 0 {
			return rewriteTarget{}, fmt.Errorf("invalid port %q", port)
		}
		s = host
		if s == "" {
			return rewriteTarget{}, errors.New("empty target host")
		}
		return rewriteTarget{host: strings.TrimSuffix(s, "."), port: uint16(p)}, nil
	}
	s = strings.TrimSuffix(strings.Trim(s, "[]"), ".")
	if s == "" {
		return rewriteTarget{}, errors.New("empty target host")
	}
	return rewriteTarget{host: s}, nil
}

func (r *Rules) Apply(_ context.Context, dst socks5.Address) (socks5.Address, error) {
	if t, ok := r.rewrite[normalizeHost(dst.Host())]; ok {
		next, err := dst.WithHost(t.host)
		if err != nil {
			return dst, fmt.Errorf("rewrite %s: %w", dst.Host(), err)
		}
		if t.port != 0 {
			next.Port = t.port
		}
		dst = next
	}

	host := normalizeHost(dst.Host())
	for _, d := range r.deny {
		if host == d || host == strings.TrimPrefix(d, ".") || (strings.HasPrefix(d, ".") && strings.HasSuffix(host, d)) {
			return dst, fmt.Errorf("%s: %w", dst.Host(), ErrDenied)
		}
	}
	return dst, nil
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.Trim(strings.ToLower(strings.TrimSpace(h)), "[]"), ".")
}
