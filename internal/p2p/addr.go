package p2p

import (
	"fmt"
	"net"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ParsePeerAddress normalizes a configured peer into "host:port". Both
// plain "host:port" and multiaddrs such as /ip4/10.0.0.1/tcp/8899 or
// /dns4/relay.example.org/tcp/8899 are accepted.
func ParsePeerAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty peer address")
	}
	if !strings.HasPrefix(s, "/") {
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			return "", fmt.Errorf("peer address %q: %w", s, err)
		}
		if host == "" || port == "" {
			return "", fmt.Errorf("peer address %q: missing host or port", s)
		}
		return net.JoinHostPort(strings.ToLower(host), port), nil
	}

	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return "", fmt.Errorf("peer address %q: %w", s, err)
	}
	port, err := m.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", fmt.Errorf("peer address %q: no tcp port", s)
	}
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if host, err := m.ValueForProtocol(code); err == nil {
			return net.JoinHostPort(strings.ToLower(host), port), nil
		}
	}
	return "", fmt.Errorf("peer address %q: no host component", s)
}

// remoteMultiaddr renders a socket address as a multiaddr for display.
func remoteMultiaddr(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	m, err := manet.FromNetAddr(addr)
	if err != nil {
		return addr.String()
	}
	return m.String()
}

// hostIP returns the IP part of a socket address.
func hostIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
