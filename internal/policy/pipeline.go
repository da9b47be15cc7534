// Package policy composes scheme gating, host normalization, domain
// allow/block matching, DNS resolution, and IP classification into one
// decision: a URL either yields a validated DialTarget or a typed
// RejectError, with no window between validating an IP and handing it
// back for dialing.
package policy

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/lox/fetchguard/internal/domainmatch"
	"github.com/lox/fetchguard/internal/hostnorm"
	"github.com/lox/fetchguard/internal/ipclassify"
	"github.com/lox/fetchguard/internal/resolver"
)

// Reason tags which category of RejectError a pre-connect policy decision
// produced. Upstream, timeout, size, and rate-limit reasons are the
// Orchestrator's concern, not the Pipeline's.
type Reason int

const (
	ReasonSchemeDisallowed Reason = iota
	ReasonHostMalformed
	ReasonAllowlistMiss
	ReasonBlocklistHit
	ReasonPrivateIPBlocked
	ReasonDNSFailure
)

func (r Reason) String() string {
	switch r {
	case ReasonSchemeDisallowed:
		return "disallowed scheme"
	case ReasonHostMalformed:
		return "malformed host"
	case ReasonAllowlistMiss:
		return "not in allowlist"
	case ReasonBlocklistHit:
		return "blocked by blocklist"
	case ReasonPrivateIPBlocked:
		return "private IP blocked"
	case ReasonDNSFailure:
		return "dns resolution failed"
	default:
		return "rejected"
	}
}

// RejectError is a policy-pipeline rejection: deterministic and safe to
// report verbatim to the caller.
type RejectError struct {
	Reason Reason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return e.Reason.String()
	}
	return fmt.Sprintf("%s: %s", e.Reason.String(), e.Detail)
}

func reject(reason Reason, detail string) *RejectError {
	return &RejectError{Reason: reason, Detail: detail}
}

// DialTarget is the Pipeline's output: the hostname as presented in the
// URL, the port to dial, and a non-empty set of IPs every one of which
// has been classified safe.
type DialTarget struct {
	Hostname string
	Port     string
	IPs      []netip.Addr
}

// Pipeline holds everything needed to validate one URL: the scheme and
// domain policy plus a Resolver for DNS names. It has no mutable state of
// its own and is safe to share across concurrent Validate calls.
type Pipeline struct {
	AllowedSchemes []string
	AllowedDomains []string
	BlockedDomains []string
	DenyPrivateIPs bool
	Resolver       *resolver.Resolver
}

// Validate runs the full pipeline against rawURL: parse, scheme check,
// host normalization, allow/block matching (DNS names only), resolution
// (DNS names only) or direct classification (numeric hosts), and
// DialTarget construction. It returns either a DialTarget or a
// RejectError — never both, never neither.
func (p *Pipeline) Validate(ctx context.Context, rawURL string) (*DialTarget, *RejectError) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, reject(ReasonHostMalformed, rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	if !schemeAllowed(scheme, p.AllowedSchemes) {
		return nil, reject(ReasonSchemeDisallowed, scheme)
	}

	hostname := u.Hostname()
	port := u.Port()
	if port == "" {
		port = defaultPort(scheme)
	}

	normalized, err := hostnorm.Normalize(hostname)
	if err != nil {
		return nil, reject(ReasonHostMalformed, hostname)
	}

	if normalized.Kind == hostnorm.KindIP {
		safe, reason := ipclassify.Classify(normalized.IP, p.DenyPrivateIPs)
		if !safe {
			return nil, reject(ReasonPrivateIPBlocked, fmt.Sprintf("%s (%s)", normalized.IP, reason))
		}
		return &DialTarget{Hostname: hostname, Port: port, IPs: []netip.Addr{normalized.IP}}, nil
	}

	name := normalized.Name
	if miss, hit := domainmatch.Decide(name, p.AllowedDomains, p.BlockedDomains); miss || hit {
		if hit {
			return nil, reject(ReasonBlocklistHit, name)
		}
		return nil, reject(ReasonAllowlistMiss, name)
	}

	addrs, err := p.Resolver.Resolve(ctx, name)
	if err != nil {
		return nil, reject(ReasonDNSFailure, err.Error())
	}
	if len(addrs) == 0 {
		return nil, reject(ReasonDNSFailure, "no records")
	}

	for _, addr := range addrs {
		if safe, reason := ipclassify.Classify(addr, p.DenyPrivateIPs); !safe {
			return nil, reject(ReasonPrivateIPBlocked, fmt.Sprintf("%s (%s)", addr, reason))
		}
	}

	return &DialTarget{Hostname: hostname, Port: port, IPs: addrs}, nil
}

func schemeAllowed(scheme string, allowed []string) bool {
	for _, s := range allowed {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}

func defaultPort(scheme string) string {
	switch scheme {
	case "https":
		return "443"
	case "http":
		return "80"
	default:
		return ""
	}
}

