package utils

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"

	"github.com/weppos/publicsuffix-go/publicsuffix"
)

var ErrInvalidFormat = errors.New("invalid format")

// URLSafetyError is returned for any URL that must not be contacted from the server.
type URLSafetyError struct {
	URL    string
	Reason string
}

func (e *URLSafetyError) Error() string {
	return e.Reason
}

var allowedSchemes = []string{"https", "http"}

var blockedSuffixes = []string{".local", ".internal", ".localhost"}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

var metadataAddr = netip.MustParseAddr("169.254.169.254")

// ValidateURLSafety rejects URLs that could be used to reach internal services.
func ValidateURLSafety(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return &URLSafetyError{URL: raw, Reason: "URL is malformed"}
	}

	scheme := strings.ToLower(parsed.Scheme)

	if scheme == "" {
		return &URLSafetyError{URL: raw, Reason: "URL has no protocol"}
	}

	if !isAllowedScheme(scheme) {
		return &URLSafetyError{URL: raw, Reason: fmt.Sprintf("Protocol %s is not allowed", scheme)}
	}

	if parsed.User != nil {
		return &URLSafetyError{URL: raw, Reason: "URL must not contain credentials"}
	}

	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")

	if host == "" {
		return &URLSafetyError{URL: raw, Reason: "URL has no hostname"}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if reason := blockedAddrReason(addr); reason != "" {
			return &URLSafetyError{URL: raw, Reason: reason}
		}
		return nil
	}

	// Integer or octal forms like http://2130706433 are resolved to loopback by some stacks
	if looksNumeric(host) {
		return &URLSafetyError{URL: raw, Reason: "Numeric hostnames are not allowed"}
	}

	if host == "localhost" {
		return &URLSafetyError{URL: raw, Reason: "Localhost is not allowed"}
	}

	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return &URLSafetyError{URL: raw, Reason: fmt.Sprintf("Internal domain %s is not allowed", suffix)}
		}
	}

	if _, err := publicsuffix.DomainFromListWithOptions(publicsuffix.DefaultList, host, &publicsuffix.FindOptions{IgnorePrivate: true}); err != nil {
		return &URLSafetyError{URL: raw, Reason: fmt.Sprintf("Hostname %s is not a public domain", host)}
	}

	return nil
}

// SafeDialerControl refuses connections to blocked addresses after DNS resolution.
func SafeDialerControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("unexpected dial address %s", address)
	}

	if reason := blockedAddrReason(addr); reason != "" {
		return &URLSafetyError{URL: address, Reason: reason}
	}

	return nil
}

// NormalizeIssuerURL adds a https scheme when missing and strips one trailing slash.
func NormalizeIssuerURL(raw string) (string, error) {
	issuer := strings.TrimSpace(raw)

	if issuer == "" {
		return "", fmt.Errorf("%w: issuer URL is empty", ErrInvalidFormat)
	}

	if !strings.Contains(issuer, "://") {
		issuer = "https://" + issuer
	}

	issuer = strings.TrimSuffix(issuer, "/")

	if _, err := url.Parse(issuer); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	return issuer, nil
}

// GetOrigin returns scheme://host[:port] of the URL.
func GetOrigin(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s has no origin", ErrInvalidFormat, raw)
	}

	return strings.ToLower(parsed.Scheme + "://" + parsed.Host), nil
}

func blockedAddrReason(addr netip.Addr) string {
	addr = addr.Unmap()

	if addr == metadataAddr {
		return "Cloud metadata address is not allowed"
	}

	if addr.IsLoopback() {
		return "Loopback address is not allowed"
	}

	if addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return "Link-local address is not allowed"
	}

	if addr.IsPrivate() {
		return "Private address is not allowed"
	}

	if addr.IsUnspecified() || addr.IsMulticast() {
		return "Address is not allowed"
	}

	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return "Reserved address is not allowed"
		}
	}

	return ""
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

func looksNumeric(host string) bool {
	for _, part := range strings.Split(host, ".") {
		if part == "" {
			return false
		}
		digits := strings.TrimPrefix(strings.TrimPrefix(part, "0x"), "0X")
		valid := "0123456789"
		if digits != part {
			valid = "0123456789abcdefABCDEF"
		}
		if digits == "" || strings.Trim(digits, valid) != "" {
			return false
		}
	}
	return true
}
