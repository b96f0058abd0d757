package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentflow/internal/domain"
)

// privateRanges lists all private/reserved CIDR blocks refused when private
// network access is blocked.
var privateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"100.64.0.0/10",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var parsedRanges []*net.IPNet

func init() {
	for _, cidr := range privateRanges {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %q: %v", cidr, err))
		}
		parsedRanges = append(parsedRanges, ipnet)
	}
}

// IsPrivateIP checks if an IP falls within any private/reserved range.
func IsPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, ipnet := range parsedRanges {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateURL checks that a resolved tool URL uses http(s) and does not point
// at a private or reserved address.
func ValidateURL(ctx context.Context, rawURL string) error {
	const op = "security.ValidateURL"

	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrSSRFBlocked, fmt.Sprintf("invalid URL: %v", err))
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return domain.NewDomainError(op, domain.ErrSSRFBlocked, "missing URL scheme, only http/https allowed")
	default:
		return domain.NewDomainError(op, domain.ErrSSRFBlocked, fmt.Sprintf("scheme %q not allowed, only http/https", u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		return domain.NewDomainError(op, domain.ErrSSRFBlocked, "empty hostname")
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return domain.NewDomainError(op, domain.ErrSSRFBlocked, fmt.Sprintf("IP %s is private/reserved", ip))
		}
		return nil
	}

	return checkHost(ctx, op, host)
}

func checkHost(ctx context.Context, op, host string) error {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return domain.NewDomainError(op, domain.ErrSSRFBlocked, fmt.Sprintf("DNS lookup failed: %v", err))
	}
	for _, a := range addrs {
		if IsPrivateIP(a.IP) {
			return domain.NewDomainError(op, domain.ErrSSRFBlocked,
				fmt.Sprintf("host %s resolves to private IP %s", host, a.IP))
		}
	}
	return nil
}

// GuardTransport returns a clone of base whose dialer re-validates every
// resolved address at connect time and dials the validated IP directly, so a
// DNS answer cannot change between ValidateURL and the connection.
func GuardTransport(base *http.Transport) *http.Transport {
	t := base.Clone()
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		const op = "security.GuardTransport.Dial"

		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}

		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, domain.NewDomainError(op, err, fmt.Sprintf("DNS lookup failed for %s", host))
		}
		if len(addrs) == 0 {
			return nil, domain.NewDomainError(op, fmt.Errorf("no IPs resolved"), host)
		}
		for _, a := range addrs {
			if IsPrivateIP(a.IP) {
				return nil, domain.NewDomainError(op, domain.ErrSSRFBlocked,
					fmt.Sprintf("%s resolves to private IP %s", host, a.IP))
			}
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].IP.String(), port))
	}
	return t
}
