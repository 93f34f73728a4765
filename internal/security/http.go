// Package security provides request validation for outbound HTTP performed
// on behalf of the model, chiefly SSRF protection for tool-supplied URLs.
package security

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

const (
	defaultMaxResponseSize = 5 * 1024 * 1024 // 5MB
	maxRedirects           = 3
)

// HTTP validates outbound request targets and hands out a hardened client.
// Model-chosen URLs must never reach internal networks or cloud metadata
// services, including via redirects.
type HTTP struct {
	maxResponseSize int64
	allowedSchemes  []string
	client          *http.Client
}

// NewHTTP creates an HTTP validator with a shared hardened client.
func NewHTTP() *HTTP {
	v := &HTTP{
		maxResponseSize: defaultMaxResponseSize,
		allowedSchemes:  []string{"http", "https"},
	}
	v.client = &http.Client{
		Timeout:       10 * time.Second,
		CheckRedirect: v.checkRedirect,
	}
	return v
}

// ValidateURL reports whether a URL is safe to fetch: http/https only, no
// local or metadata hostnames, and no hostname resolving to a private IP.
func (v *HTTP) ValidateURL(urlStr string) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !slices.Contains(v.allowedSchemes, scheme) {
		return fmt.Errorf("disallowed protocol: %s (only http/https allowed)", parsed.Scheme)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("invalid hostname")
	}

	if isDangerousHostname(hostname) {
		slog.Warn("SSRF attempt - dangerous hostname detected",
			"url", urlStr,
			"hostname", hostname,
			"security_event", "ssrf_dangerous_hostname")
		return fmt.Errorf("access denied: accessing internal networks or metadata services is not allowed")
	}

	// Resolve and check every address: a hostname can mix public and
	// private records (DNS rebinding).
	ips, err := net.LookupIP(hostname)
	if err != nil {
		return fmt.Errorf("unable to resolve hostname: %w", err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			slog.Warn("SSRF attempt - private IP detected",
				"url", urlStr,
				"hostname", hostname,
				"resolved_ip", ip.String(),
				"security_event", "ssrf_private_ip")
			return fmt.Errorf("access denied: accessing internal network IPs is not allowed (%s)", ip.String())
		}
	}

	return nil
}

// MaxResponseSize returns the response body size cap in bytes.
func (v *HTTP) MaxResponseSize() int64 {
	return v.maxResponseSize
}

// Client returns the shared hardened HTTP client. Redirect targets are
// re-validated, so a safe URL cannot bounce into an internal network.
func (v *HTTP) Client() *http.Client {
	return v.client
}

func (v *HTTP) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		slog.Warn("excessive redirects detected",
			"url", req.URL.String(),
			"redirect_count", len(via),
			"security_event", "excessive_redirects")
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if err := v.ValidateURL(req.URL.String()); err != nil {
		slog.Warn("SSRF attempt - unsafe redirect detected",
			"redirect_url", req.URL.String(),
			"original_url", via[0].URL.String(),
			"security_event", "ssrf_unsafe_redirect")
		return fmt.Errorf("redirect to unsafe URL: %w", err)
	}
	return nil
}

func isDangerousHostname(hostname string) bool {
	hostname = strings.ToLower(hostname)

	localHostnames := []string{
		"localhost",
		"127.0.0.1",
		"::1",
		"0.0.0.0",
	}
	if slices.Contains(localHostnames, hostname) {
		return true
	}

	// Cloud service metadata endpoints.
	metadataEndpoints := []string{
		"169.254.169.254", // AWS, Azure, GCP
		"metadata.google.internal",
		"metadata",
	}
	for _, endpoint := range metadataEndpoints {
		if hostname == endpoint || strings.Contains(hostname, endpoint) {
			return true
		}
	}

	return false
}

func isPrivateIP(ip net.IP) bool {
	privateIPv4Ranges := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local, includes metadata services
		"0.0.0.0/8",
		"224.0.0.0/4", // multicast
		"240.0.0.0/4", // reserved
	}
	for _, cidr := range privateIPv4Ranges {
		_, subnet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if subnet.Contains(ip) {
			return true
		}
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}

	// IPv6 Unique Local Address fc00::/7.
	if len(ip) == net.IPv6len && (ip[0] == 0xfc || ip[0] == 0xfd) {
		return true
	}

	return false
}
