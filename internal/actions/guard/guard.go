// Package guard validates outbound webhook destinations before any network
// call. Tenant-supplied URLs are resolved and checked against private and
// reserved address ranges; the same check runs again at dial time so a DNS
// answer cannot change between validation and connection.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"
)

// ErrBlockedAddress is returned when a destination resolves to a private,
// loopback, link-local or otherwise reserved address.
var ErrBlockedAddress = errors.New("destination address is not allowed")

// ErrInvalidURL is returned for destinations that cannot be parsed or use
// an unsupported scheme.
var ErrInvalidURL = errors.New("invalid destination url")

// blockedPrefixes covers ranges that must never be reachable from
// tenant-configured actions, including the cloud metadata range
// (169.254.0.0/16 link-local) and carrier-grade NAT.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// Config holds guard configuration. Relaxed mode permits otherwise-blocked
// ranges that match an operator-supplied allowlist, for deployments that
// legitimately deliver to internal targets.
type Config struct {
	Relaxed      bool
	AllowedCIDRs []string
	DialTimeout  time.Duration
}

// Guard validates outbound destinations.
type Guard struct {
	relaxed     bool
	allowed     []netip.Prefix
	dialTimeout time.Duration
	resolver    *net.Resolver
}

// New creates a Guard. Returns an error for unparseable allowlist entries.
func New(cfg Config) (*Guard, error) {
	g := &Guard{
		relaxed:     cfg.Relaxed,
		dialTimeout: cfg.DialTimeout,
		resolver:    net.DefaultResolver,
	}
	if g.dialTimeout == 0 {
		g.dialTimeout = 10 * time.Second
	}
	for _, cidr := range cfg.AllowedCIDRs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse allowlist cidr %q: %w", cidr, err)
		}
		g.allowed = append(g.allowed, p)
	}
	return g, nil
}

// CheckURL validates a destination URL: scheme must be http or https and
// every address the host resolves to must be allowed. Validation happens on
// resolved addresses, not the literal hostname.
func (g *Guard) CheckURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return g.checkAddr(ip)
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, addr := range addrs {
		if err := g.checkAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guard) checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	for _, p := range g.allowed {
		if g.relaxed && p.Contains(addr) {
			return nil
		}
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
		}
	}
	return nil
}

// control re-validates the address the connection is actually dialed to.
// This closes the DNS-rebinding gap between CheckURL and the request.
func (g *Guard) control(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return g.checkAddr(addr)
}

// HTTPClient returns an http.Client whose dialer enforces the guard on
// every connection, with redirects capped and re-checked per hop.
func (g *Guard) HTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: g.dialTimeout,
		Control: g.control,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			return g.CheckURL(req.Context(), req.URL.String())
		},
	}
}
