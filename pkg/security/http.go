// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package security enforces the execution guards applied to outbound HTTP
// requests, filesystem access, and shell commands before a step handler acts
// on interpolated values.
package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/tombee/cascade/pkg/errors"
)

// HTTPGuardConfig controls the outbound request guard used by the http step
// handler. The zero value blocks everything; use DefaultHTTPGuardConfig.
type HTTPGuardConfig struct {
	// AllowedSchemes restricts URL schemes
	AllowedSchemes []string `yaml:"allowed_schemes,omitempty" json:"allowed_schemes,omitempty"`

	// DenyPrivateIPs blocks loopback, link-local, RFC1918, and IPv6 ULA
	DenyPrivateIPs bool `yaml:"deny_private_ips" json:"deny_private_ips"`

	// DenyMetadata blocks cloud metadata endpoints
	DenyMetadata bool `yaml:"deny_metadata" json:"deny_metadata"`

	// AllowedHosts, when non-empty, is an additional host allowlist
	AllowedHosts []string `yaml:"allowed_hosts,omitempty" json:"allowed_hosts,omitempty"`

	// DialTimeout bounds each connection attempt
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`
}

// DefaultHTTPGuardConfig permits http and https to public addresses only.
func DefaultHTTPGuardConfig() *HTTPGuardConfig {
	return &HTTPGuardConfig{
		AllowedSchemes: []string{"http", "https"},
		DenyPrivateIPs: true,
		DenyMetadata:   true,
		DialTimeout:    30 * time.Second,
	}
}

// metadataIPs are cloud metadata service addresses blocked regardless of the
// private-range rules.
var metadataIPs = map[string]bool{
	"169.254.169.254": true,
	"fd00:ec2::254":   true,
}

// ValidateURL checks the scheme and host of a request URL before any
// connection is attempted. Resolution happens again at dial time, so a DNS
// answer that changes between check and dial cannot bypass the guard.
func (c *HTTPGuardConfig) ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return &errors.SecurityError{
			Policy: errors.PolicySSRF,
			Detail: fmt.Sprintf("invalid url: %v", err),
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	allowed := false
	for _, s := range c.AllowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return &errors.SecurityError{
			Policy: errors.PolicySSRF,
			Detail: fmt.Sprintf("scheme %q not allowed", parsed.Scheme),
		}
	}

	host := parsed.Hostname()
	if host == "" {
		return &errors.SecurityError{
			Policy: errors.PolicySSRF,
			Detail: "url has no host",
		}
	}

	if len(c.AllowedHosts) > 0 && !c.hostAllowed(host) {
		return &errors.SecurityError{
			Policy: errors.PolicySSRF,
			Detail: fmt.Sprintf("host %q not in allowlist", host),
		}
	}

	// Literal IPs can be rejected without a lookup.
	if ip := net.ParseIP(host); ip != nil {
		return c.validateIP(ip)
	}
	return nil
}

func (c *HTTPGuardConfig) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range c.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed {
			return true
		}
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(host, allowed[1:]) {
			return true
		}
	}
	return false
}

// validateIP rejects addresses the guard policy forbids.
func (c *HTTPGuardConfig) validateIP(ip net.IP) error {
	if c.DenyMetadata && metadataIPs[ip.String()] {
		return &errors.SecurityError{
			Policy: errors.PolicySSRF,
			Detail: fmt.Sprintf("metadata service address %s blocked", ip),
		}
	}
	if c.DenyPrivateIPs && isInternalIP(ip) {
		return &errors.SecurityError{
			Policy: errors.PolicySSRF,
			Detail: fmt.Sprintf("internal address %s blocked", ip),
		}
	}
	return nil
}

// isInternalIP reports whether the address is loopback, link-local, RFC1918
// private, unique-local IPv6, or unspecified.
func isInternalIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	// fc00::/7 unique-local
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil && (v6[0]&0xfe) == 0xfc {
		return true
	}
	return false
}

// SecureDialContext returns a DialContext that resolves the target, validates
// every resolved address, and then dials one of the validated IPs directly.
// Dialing the validated IP rather than the hostname closes the rebinding
// window between validation and connection.
func (c *HTTPGuardConfig) SecureDialContext() func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, &errors.SecurityError{
				Policy: errors.PolicySSRF,
				Detail: fmt.Sprintf("invalid address %q", addr),
			}
		}

		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		if len(ips) == 0 {
			return nil, &errors.SecurityError{
				Policy: errors.PolicySSRF,
				Detail: fmt.Sprintf("host %q has no addresses", host),
			}
		}

		for _, ip := range ips {
			if err := c.validateIP(ip); err != nil {
				return nil, err
			}
		}

		dialer := &net.Dialer{Timeout: c.DialTimeout, KeepAlive: 30 * time.Second}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
	}
}
