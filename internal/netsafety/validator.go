package netsafety

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/linkhoard/linkhoard/internal/core"
)

// Safety rejections. These are always fatal for the current fetch attempt and
// are never retried at the fetch layer.
var (
	ErrSchemeNotAllowed  = errors.New("url scheme is not allowed")
	ErrHostMissing       = errors.New("url has no host")
	ErrAddressNotAllowed = errors.New("target address range is not allowed")
	ErrResolveFailed     = errors.New("hostname resolution failed")
)

// deniedPrefixes lists the address ranges an outbound request must never
// target: loopback, link-local, private, carrier-grade NAT, unique-local,
// tunneling ranges, and assorted reserved space.
var deniedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),          // "this network"
	netip.MustParsePrefix("10.0.0.0/8"),         // RFC 1918
	netip.MustParsePrefix("100.64.0.0/10"),      // carrier-grade NAT
	netip.MustParsePrefix("127.0.0.0/8"),        // loopback
	netip.MustParsePrefix("169.254.0.0/16"),     // link-local
	netip.MustParsePrefix("172.16.0.0/12"),      // RFC 1918
	netip.MustParsePrefix("192.0.0.0/24"),       // IETF protocol assignments
	netip.MustParsePrefix("192.0.2.0/24"),       // TEST-NET-1
	netip.MustParsePrefix("192.168.0.0/16"),     // RFC 1918
	netip.MustParsePrefix("198.18.0.0/15"),      // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"),    // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"),     // TEST-NET-3
	netip.MustParsePrefix("240.0.0.0/4"),        // reserved
	netip.MustParsePrefix("255.255.255.255/32"), // broadcast
	netip.MustParsePrefix("::/128"),             // unspecified
	netip.MustParsePrefix("::1/128"),            // loopback
	netip.MustParsePrefix("2001::/32"),          // Teredo tunneling
	netip.MustParsePrefix("2001:db8::/32"),      // documentation
	netip.MustParsePrefix("2002::/16"),          // 6to4 tunneling
	netip.MustParsePrefix("fc00::/7"),           // unique-local
	netip.MustParsePrefix("fe80::/10"),          // link-local
}

// Resolver looks up A and AAAA records. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Config holds the validator knobs.
type Config struct {
	// InternalAllowlist exempts trusted internal hostnames from the
	// address-range checks. Patterns: exact, ".suffix", "*.suffix".
	InternalAllowlist []string

	DNSCacheCapacity int
	DNSCacheTTL      time.Duration
}

// Validator resolves and classifies request targets before any network access.
type Validator struct {
	allowlist *HostPatterns
	resolver  Resolver
	cache     *dnsCache
	logger    *zap.Logger
}

// NewValidator constructs a Validator.
func NewValidator(cfg Config, resolver Resolver, clock core.Clock, logger *zap.Logger) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		allowlist: NewHostPatterns(cfg.InternalAllowlist),
		resolver:  resolver,
		cache:     newDNSCache(cfg.DNSCacheCapacity, cfg.DNSCacheTTL, clock),
		logger:    logger,
	}
}

// Validate parses rawURL and rejects it when it targets a disallowed address
// range. When behindProxy is true, DNS resolution is skipped: requests are
// routed through a forward proxy which is trusted as the enforcement
// boundary, and resolving here would target the wrong network. That makes
// proxy configuration a trust boundary; a proxy without its own egress
// filtering reintroduces SSRF exposure.
func (v *Validator) Validate(ctx context.Context, rawURL string, behindProxy bool) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrSchemeNotAllowed, parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return nil, ErrHostMissing
	}

	// Explicit escape hatch for trusted internal targets.
	if v.allowlist.Matches(host) {
		return parsed, nil
	}

	if addr, parseErr := netip.ParseAddr(host); parseErr == nil {
		if denied(addr) {
			return nil, fmt.Errorf("%w: %s", ErrAddressNotAllowed, addr)
		}
		return parsed, nil
	}

	if behindProxy {
		return parsed, nil
	}

	addrs, err := v.resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolveFailed, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s: no addresses", ErrResolveFailed, host)
	}
	// A single permitted reply is not enough: clients round-robin across all
	// returned addresses, so any denied address rejects the whole host.
	for _, addr := range addrs {
		if denied(addr) {
			v.logger.Warn("host resolved into a denied address range",
				zap.String("host", host),
				zap.String("address", addr.String()),
			)
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrAddressNotAllowed, host, addr)
		}
	}
	return parsed, nil
}

func (v *Validator) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addrs, ok := v.cache.get(host); ok {
		return addrs, nil
	}
	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	v.cache.put(host, addrs)
	return addrs, nil
}

func denied(addr netip.Addr) bool {
	// IPv4-mapped IPv6 addresses are classified as their embedded IPv4.
	addr = addr.Unmap()
	for _, prefix := range deniedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
