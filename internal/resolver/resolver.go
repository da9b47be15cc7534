// Package resolver is fetchguard's own DNS client: a thin wrapper around
// github.com/miekg/dns rather than the operating system's getaddrinfo, so
// the policy pipeline controls exactly which records come back and the
// same client is used for the validation lookup and (indirectly, via the
// pinned IP set it returns) the dial.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const defaultTimeout = 5 * time.Second

// ErrNoRecords is returned when a name resolves to zero A/AAAA records.
// Spec-mandated: an empty result is a failure, never "allow anything".
var ErrNoRecords = errors.New("dns: no records")

// Resolver issues A and AAAA queries against a configured upstream
// nameserver and unions the results. It is safe for concurrent use.
type Resolver struct {
	client  *dns.Client
	servers []string
	timeout time.Duration
	cache   *cache
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithServers overrides the default upstream nameserver list. Each entry
// is a "host:port" address.
func WithServers(servers ...string) Option {
	return func(r *Resolver) { r.servers = servers }
}

// WithTimeout overrides the default 5s overall query timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithCache enables an in-memory, TTL-respecting answer cache holding up
// to capacity entries. The cache is consulted first, but Resolve always
// returns the exact IP set a caller must classify and pin — cached or
// freshly queried, it is the same value either way.
func WithCache(capacity int) Option {
	return func(r *Resolver) { r.cache = newCache(capacity) }
}

// New builds a Resolver. With no options it queries 1.1.1.1:53 and
// 8.8.8.8:53 with a 5s timeout and no cache.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		client:  &dns.Client{},
		servers: []string{"1.1.1.1:53", "8.8.8.8:53"},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the union of A and AAAA records for name. An I/O error
// against every configured server, or a successful response containing no
// records, both surface as an error wrapping ErrNoRecords or the
// transport failure.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]netip.Addr, error) {
	if r.cache != nil {
		if addrs, ok := r.cache.get(name); ok {
			return addrs, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fqdn := dns.Fqdn(name)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		addrs     []netip.Addr
		ttl       = defaultCacheTTL
		firstErr  error
		succeeded bool
	)

	query := func(qtype uint16) {
		defer wg.Done()
		got, recordTTL, err := r.query(ctx, fqdn, qtype)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		succeeded = true
		addrs = append(addrs, got...)
		if len(got) > 0 && recordTTL < ttl {
			ttl = recordTTL
		}
	}

	wg.Add(2)
	go query(dns.TypeA)
	go query(dns.TypeAAAA)
	wg.Wait()

	if !succeeded {
		if firstErr != nil {
			return nil, fmt.Errorf("dns: resolve %q: %w", name, firstErr)
		}
		return nil, fmt.Errorf("dns: resolve %q: %w", name, ErrNoRecords)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("dns: resolve %q: %w", name, ErrNoRecords)
	}

	if r.cache != nil {
		r.cache.put(name, addrs, ttl)
	}

	return addrs, nil
}

func (r *Resolver) query(ctx context.Context, fqdn string, qtype uint16) ([]netip.Addr, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("dns: rcode %s from %s", dns.RcodeToString[resp.Rcode], server)
			continue
		}
		addrs, ttl := recordsToAddrs(resp.Answer)
		return addrs, ttl, nil
	}
	if lastErr == nil {
		lastErr = errors.New("dns: no servers configured")
	}
	return nil, 0, lastErr
}

// recordsToAddrs extracts A/AAAA addresses and the minimum TTL across the
// answer set (0 if the answer carried no address records).
func recordsToAddrs(records []dns.RR) ([]netip.Addr, time.Duration) {
	var (
		out    []netip.Addr
		minTTL time.Duration
		first  = true
	)
	note := func(ttl uint32) {
		d := time.Duration(ttl) * time.Second
		if first || d < minTTL {
			minTTL = d
			first = false
		}
	}
	for _, rr := range records {
		switch rec := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(rec.A.To4()); ok {
				out = append(out, addr)
				note(rec.Hdr.Ttl)
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
				out = append(out, addr)
				note(rec.Hdr.Ttl)
			}
		}
	}
	return out, minTTL
}
