// Package fetchguard is a sandboxed HTTP client for performing outbound
// fetches on behalf of untrusted callers — AI agents chief among them —
// without exposing the host's private network, cloud-metadata services,
// or loopback endpoints.
//
// The hard problem it solves is not HTTP itself (net/http and the Go
// runtime's TLS stack do that); it is the SSRF-defense pipeline: closing
// the time-of-check-to-time-of-use window between DNS resolution and TCP
// connect, normalizing adversarially encoded hosts, and re-running the
// full validation cycle on every redirect hop.
package fetchguard

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lox/fetchguard/internal/audit"
	"github.com/lox/fetchguard/internal/dialer"
	"github.com/lox/fetchguard/internal/policy"
	"github.com/lox/fetchguard/internal/ratelimit"
	"github.com/lox/fetchguard/internal/resolver"
)

// Client owns a FetchPolicy, a resolver, an HTTP engine configured with
// the Pinned Connector, and a RateLimiter. Create one per application and
// share it across concurrent fetches; it holds no mutable state besides
// the rate limiter's internal token accounting and the optional resolver
// cache, both of which are internally synchronized.
type Client struct {
	policy     FetchPolicy
	pipeline   *policy.Pipeline
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	auditSink  AuditSink
}

// New builds a Client from p. Zero-value fields in p fall back to
// DefaultPolicy's defaults.
func New(p FetchPolicy) *Client {
	p = p.normalized()

	denyPrivate := true
	if p.DenyPrivateIPs != nil {
		denyPrivate = *p.DenyPrivateIPs
	}

	var resolverOpts []resolver.Option
	if len(p.DNSServers) > 0 {
		resolverOpts = append(resolverOpts, resolver.WithServers(p.DNSServers...))
	}
	if p.DNSTimeout > 0 {
		resolverOpts = append(resolverOpts, resolver.WithTimeout(p.DNSTimeout))
	}

	pipeline := &policy.Pipeline{
		AllowedSchemes: p.AllowedSchemes,
		AllowedDomains: p.AllowedDomains,
		BlockedDomains: p.BlockedDomains,
		DenyPrivateIPs: denyPrivate,
		Resolver:       resolver.New(resolverOpts...),
	}

	pinned := &dialer.Dialer{Timeout: p.ConnectTimeout}

	transport := &http.Transport{
		DialContext: pinned.DialContext,
		// A pooled connection to a hostname could otherwise be reused
		// for a later request whose Policy Pipeline decision should
		// differ; disabling reuse across fetches sidesteps it entirely.
		DisableKeepAlives: true,
	}

	httpClient := &http.Client{
		Transport: transport,
		// The Orchestrator drives the redirect loop itself so every hop
		// gets its own Policy Pipeline run and its own pinned
		// DialTarget; net/http must never follow a redirect on its own.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	var limiter *ratelimit.Limiter
	if p.RateLimit != nil {
		limiter = ratelimit.New(ratelimit.Config{
			Burst:    p.RateLimit.Burst,
			Count:    p.RateLimit.Count,
			Interval: p.RateLimit.Interval,
		})
	}

	sink := p.AuditSink
	if sink == nil {
		sink = audit.NoopSink{}
	}

	return &Client{
		policy:     p,
		pipeline:   pipeline,
		httpClient: httpClient,
		limiter:    limiter,
		auditSink:  sink,
	}
}

var redirectStatuses = map[int]bool{
	http.StatusMovedPermanently:  true, // 301
	http.StatusFound:             true, // 302
	http.StatusSeeOther:          true, // 303
	http.StatusTemporaryRedirect: true, // 307
	http.StatusPermanentRedirect: true, // 308
}

// Fetch drives one user-level fetch: admit against the rate limiter,
// validate and pin every hop, dial only the validated IPs, and enforce
// the request deadline and body-size cap. It returns either a
// FetchResponse or an error wrapping one of the Err* sentinels — never a
// partial response.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	if !c.limiter.Allow() {
		return nil, reject(ErrRateLimited, "")
	}

	ctx, cancel := context.WithTimeout(ctx, c.policy.RequestTimeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	body := req.Body
	currentURL := req.URL
	redirectsFollowed := 0
	requestID := uuid.NewString()

	for {
		target, rej := c.pipeline.Validate(ctx, currentURL)
		c.recordDecision(ctx, requestID, currentURL, target, rej)
		if rej != nil {
			return nil, convertRejection(rej)
		}

		var bodyReader io.Reader
		if len(body) > 0 {
			bodyReader = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, currentURL, bodyReader)
		if err != nil {
			return nil, reject(ErrHostMalformed, currentURL)
		}
		for name, values := range req.Headers {
			for _, v := range values {
				httpReq.Header.Add(name, v)
			}
		}

		dialCtx := dialer.WithTarget(httpReq.Context(), dialer.Target{
			Hostname: target.Hostname,
			Port:     target.Port,
			IPs:      target.IPs,
		})
		httpReq = httpReq.WithContext(dialCtx)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			// The dial phase runs under its own nested
			// context.WithTimeout (see internal/dialer.Dialer), distinct
			// from ctx's request-wide deadline, so a connect-timeout
			// expiry surfaces as context.DeadlineExceeded on err itself
			// without ever making ctx.Err() non-nil. Check err, not ctx,
			// and use ctx.Err() only to tell connect and request-wide
			// timeouts apart for the reported phase.
			if errors.Is(err, context.DeadlineExceeded) {
				phase := "connect"
				if ctx.Err() != nil {
					phase = "request"
				}
				return nil, reject(ErrTimeout, phase)
			}
			return nil, reject(ErrUpstreamError, sanitizeUpstreamError(err))
		}

		if redirectStatuses[resp.StatusCode] {
			location := resp.Header.Get("Location")
			_ = resp.Body.Close()
			if location == "" {
				return nil, reject(ErrUpstreamError, "redirect without Location header")
			}
			if redirectsFollowed >= c.policy.MaxRedirects {
				return nil, reject(ErrTooManyRedirects, "")
			}

			nextURL, err := resolveRedirect(currentURL, location)
			if err != nil {
				return nil, reject(ErrUpstreamError, "malformed Location header")
			}

			method, body = adjustForRedirect(resp.StatusCode, method, body)
			currentURL = nextURL
			redirectsFollowed++
			continue
		}

		data, truncated, err := readCapped(resp.Body, c.policy.MaxResponseBytes)
		_ = resp.Body.Close()
		if err != nil {
			return nil, reject(ErrUpstreamError, sanitizeUpstreamError(err))
		}
		if truncated {
			return nil, reject(ErrBodyTooLarge, "")
		}

		return &FetchResponse{
			Status:   resp.StatusCode,
			Headers:  headerFrom(resp.Header),
			Body:     data,
			FinalURL: currentURL,
		}, nil
	}
}

// adjustForRedirect applies the per-status redirect rules RFC 7231 leaves
// to client discretion: 303 always rewrites to GET with no body; 307/308
// preserve method and body; 301/302 rewrite methods other than GET and HEAD
// to GET with no body, matching the majority historical client behavior.
func adjustForRedirect(status int, method string, body []byte) (string, []byte) {
	switch status {
	case http.StatusSeeOther:
		return http.MethodGet, nil
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return method, body
	default: // 301, 302
		if method != http.MethodGet && method != http.MethodHead {
			return http.MethodGet, nil
		}
		return method, body
	}
}

func resolveRedirect(currentURL, location string) (string, error) {
	base, err := url.Parse(currentURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// readCapped reads up to max+1 bytes and reports whether the body would
// have exceeded max. It never returns a partial body alongside a true
// truncated flag; callers never see a silently truncated result.
func readCapped(r io.Reader, max int64) (data []byte, truncated bool, err error) {
	limited := io.LimitReader(r, max+1)
	data, err = io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > max {
		return nil, true, nil
	}
	return data, false, nil
}

func headerFrom(h http.Header) Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[canonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return out
}

// sanitizeUpstreamError reduces an error that crosses the trust boundary
// to the caller to its last ": "-separated segment (e.g. "connection
// refused"), dropping the request URL and the dialed address that net/http
// and net put in front of it.
func sanitizeUpstreamError(err error) string {
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 {
		msg = msg[idx+2:]
	}
	return msg
}

func convertRejection(rej *policy.RejectError) error {
	switch rej.Reason {
	case policy.ReasonSchemeDisallowed:
		return reject(ErrSchemeDisallowed, rej.Detail)
	case policy.ReasonHostMalformed:
		return reject(ErrHostMalformed, rej.Detail)
	case policy.ReasonAllowlistMiss:
		return reject(ErrAllowlistMiss, rej.Detail)
	case policy.ReasonBlocklistHit:
		return reject(ErrBlocklistHit, rej.Detail)
	case policy.ReasonPrivateIPBlocked:
		return reject(ErrPrivateIPBlocked, rej.Detail)
	case policy.ReasonDNSFailure:
		return reject(ErrDNSFailure, rej.Detail)
	default:
		return reject(ErrUpstreamError, rej.Error())
	}
}

func (c *Client) recordDecision(ctx context.Context, requestID, rawURL string, target *policy.DialTarget, rej *policy.RejectError) {
	hostname := ""
	if target != nil {
		hostname = target.Hostname
	}
	d := Decision{
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Hostname:  hostname,
		URL:       rawURL,
		Admitted:  rej == nil,
	}
	if rej != nil {
		d.Reason = rej.Reason.String()
		d.Detail = rej.Detail
	}
	_ = c.auditSink.Record(ctx, d)
}
