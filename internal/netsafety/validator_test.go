package netsafety_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkhoard/linkhoard/internal/netsafety"
)

// fakeResolver records lookups so tests can prove when resolution happened
// (or, for IP-literal rejections, that it never did).
type fakeResolver struct {
	answers map[string][]netip.Addr
	err     error
	calls   []string
}

func (r *fakeResolver) LookupNetIP(_ context.Context, _ string, host string) ([]netip.Addr, error) {
	r.calls = append(r.calls, host)
	if r.err != nil {
		return nil, r.err
	}
	return r.answers[host], nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newValidator(cfg netsafety.Config, resolver netsafety.Resolver) *netsafety.Validator {
	return netsafety.NewValidator(cfg, resolver, &fakeClock{now: time.Unix(1700000000, 0)}, nil)
}

func addrs(raw ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		out = append(out, netip.MustParseAddr(s))
	}
	return out
}

func TestValidate_RejectsNonHTTPSchemes(t *testing.T) {
	resolver := &fakeResolver{}
	v := newValidator(netsafety.Config{}, resolver)

	for _, rawURL := range []string{
		"ftp://example.com/file",
		"file:///etc/passwd",
		"gopher://example.com",
		"javascript:alert(1)",
	} {
		_, err := v.Validate(context.Background(), rawURL, false)
		assert.ErrorIs(t, err, netsafety.ErrSchemeNotAllowed, rawURL)
	}
	assert.Empty(t, resolver.calls, "scheme rejection must not resolve")
}

func TestValidate_RejectsMissingHost(t *testing.T) {
	v := newValidator(netsafety.Config{}, &fakeResolver{})
	_, err := v.Validate(context.Background(), "http:///path-only", false)
	assert.ErrorIs(t, err, netsafety.ErrHostMissing)
}

func TestValidate_RejectsMetadataIPWithoutNetworkIO(t *testing.T) {
	resolver := &fakeResolver{}
	v := newValidator(netsafety.Config{}, resolver)

	_, err := v.Validate(context.Background(), "http://169.254.169.254/latest/meta-data/", false)
	require.ErrorIs(t, err, netsafety.ErrAddressNotAllowed)
	assert.Empty(t, resolver.calls, "IP literals are classified without any lookup")
}

func TestValidate_RejectsDeniedIPLiterals(t *testing.T) {
	v := newValidator(netsafety.Config{}, &fakeResolver{})

	for _, rawURL := range []string{
		"http://127.0.0.1/",
		"http://10.1.2.3/",
		"http://172.16.0.1/",
		"http://192.168.1.1/",
		"http://100.64.0.7/",    // carrier-grade NAT
		"http://[::1]/",         // IPv6 loopback
		"http://[fe80::1]/",     // IPv6 link-local
		"http://[fd00::1]/",     // unique-local
		"http://[2002:c0a8::]/", // 6to4
	} {
		_, err := v.Validate(context.Background(), rawURL, false)
		assert.ErrorIs(t, err, netsafety.ErrAddressNotAllowed, rawURL)
	}
}

func TestValidate_RejectsIPv4MappedIPv6(t *testing.T) {
	v := newValidator(netsafety.Config{}, &fakeResolver{})
	_, err := v.Validate(context.Background(), "http://[::ffff:192.168.0.1]/", false)
	assert.ErrorIs(t, err, netsafety.ErrAddressNotAllowed,
		"mapped addresses must be classified as their embedded IPv4")
}

func TestValidate_AllowsPublicIPLiteral(t *testing.T) {
	resolver := &fakeResolver{}
	v := newValidator(netsafety.Config{}, resolver)

	parsed, err := v.Validate(context.Background(), "https://93.184.216.34/page", false)
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", parsed.Hostname())
	assert.Empty(t, resolver.calls)
}

func TestValidate_RejectsHostResolvingToDeniedRange(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]netip.Addr{
		"rebind.example.com": addrs("93.184.216.34", "10.0.0.5"),
	}}
	v := newValidator(netsafety.Config{}, resolver)

	_, err := v.Validate(context.Background(), "http://rebind.example.com/", false)
	assert.ErrorIs(t, err, netsafety.ErrAddressNotAllowed,
		"one denied address poisons the whole host")
}

func TestValidate_AllowsHostResolvingPublicly(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]netip.Addr{
		"example.com": addrs("93.184.216.34", "2606:2800:220:1::1"),
	}}
	v := newValidator(netsafety.Config{}, resolver)

	parsed, err := v.Validate(context.Background(), "https://example.com/page?q=1", false)
	require.NoError(t, err)
	assert.Equal(t, "example.com", parsed.Hostname())
}

func TestValidate_ResolveFailureIsRejected(t *testing.T) {
	resolver := &fakeResolver{err: context.DeadlineExceeded}
	v := newValidator(netsafety.Config{}, resolver)

	_, err := v.Validate(context.Background(), "http://no-such-host.example/", false)
	assert.ErrorIs(t, err, netsafety.ErrResolveFailed)
}

func TestValidate_EmptyResolutionIsRejected(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]netip.Addr{}}
	v := newValidator(netsafety.Config{}, resolver)

	_, err := v.Validate(context.Background(), "http://empty.example/", false)
	assert.ErrorIs(t, err, netsafety.ErrResolveFailed)
}

func TestValidate_BehindProxySkipsResolution(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]netip.Addr{
		"internal.example.com": addrs("10.0.0.5"),
	}}
	v := newValidator(netsafety.Config{}, resolver)

	_, err := v.Validate(context.Background(), "http://internal.example.com/", true)
	require.NoError(t, err, "the proxy is the enforcement boundary for hostnames")
	assert.Empty(t, resolver.calls)

	// IP literals stay denied even behind a proxy.
	_, err = v.Validate(context.Background(), "http://169.254.169.254/", true)
	assert.ErrorIs(t, err, netsafety.ErrAddressNotAllowed)
}

func TestValidate_AllowlistBypassesAddressChecks(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]netip.Addr{
		"vault.internal": addrs("10.0.0.9"),
	}}
	v := newValidator(netsafety.Config{
		InternalAllowlist: []string{"vault.internal", "*.corp.example.com"},
	}, resolver)

	_, err := v.Validate(context.Background(), "http://vault.internal/secret", false)
	require.NoError(t, err)
	assert.Empty(t, resolver.calls, "allowlisted hosts skip resolution")

	_, err = v.Validate(context.Background(), "http://wiki.corp.example.com/", false)
	require.NoError(t, err)
}

func TestValidate_CachesResolution(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]netip.Addr{
		"example.com": addrs("93.184.216.34"),
	}}
	v := newValidator(netsafety.Config{DNSCacheTTL: time.Minute}, resolver)

	for i := 0; i < 3; i++ {
		_, err := v.Validate(context.Background(), "http://example.com/", false)
		require.NoError(t, err)
	}
	assert.Len(t, resolver.calls, 1, "repeat lookups served from cache")
}

func TestValidate_CacheExpiresByTTL(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]netip.Addr{
		"example.com": addrs("93.184.216.34"),
	}}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	v := netsafety.NewValidator(netsafety.Config{DNSCacheTTL: time.Minute}, resolver, clock, nil)

	_, err := v.Validate(context.Background(), "http://example.com/", false)
	require.NoError(t, err)

	clock.now = clock.now.Add(2 * time.Minute)

	_, err = v.Validate(context.Background(), "http://example.com/", false)
	require.NoError(t, err)
	assert.Len(t, resolver.calls, 2, "expired entries are re-resolved")
}
