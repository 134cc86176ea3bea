// Package dialer opens the outbound connections requested by SOCKS5 clients.
//
// The direct dialer resolves domain names through a pluggable Resolver (the
// platform resolver by default, or an explicit nameserver via DNSResolver)
// and maps connection failures onto SOCKS5 reply codes with ReplyFor.
package dialer
