package security

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// ValidateRPCURL checks the chain node endpoint. http(s) and ws(s) are
// accepted. When allowInternal is false, loopback, private, link-local and
// unspecified IP literals are rejected along with localhost and cloud
// metadata hostnames. Hostnames are not resolved.
func ValidateRPCURL(rawURL string, allowInternal bool) error {
	return validateEndpoint("RPC URL", rawURL, allowInternal, "http", "https", "ws", "wss")
}

// ValidateWebhookURL checks an outbound notification target with the same
// address rules as ValidateRPCURL. Only http(s) is accepted.
func ValidateWebhookURL(rawURL string, allowInternal bool) error {
	return validateEndpoint("webhook URL", rawURL, allowInternal, "http", "https")
}

func validateEndpoint(what, rawURL string, allowInternal bool, schemes ...string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid %s format", what)
	}

	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("%s scheme must be one of %s", what, strings.Join(schemes, ", "))
	}

	if u.Host == "" {
		return fmt.Errorf("%s must have a host", what)
	}
	if allowInternal {
		return nil
	}

	host := u.Hostname()
	blocked := []string{"localhost", "metadata.google.internal", "metadata.google"}
	for _, b := range blocked {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%s host %q is not allowed", what, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	return nil
}

func checkIP(ip net.IP) error {
	if ip.IsLoopback() {
		return fmt.Errorf("loopback addresses are not allowed")
	}
	if ip.IsPrivate() {
		return fmt.Errorf("private addresses are not allowed")
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("link-local addresses are not allowed")
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
