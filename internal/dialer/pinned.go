// Package dialer implements fetchguard's Pinned Connector: the hook
// installed into the HTTP transport's DialContext that bypasses the
// engine's own DNS and dials only the IP set a Policy Pipeline run
// already validated.
//
// This is what closes the TOCTOU gap: the engine never gets to re-resolve
// the hostname itself, and if no pinned target is present for the dial's
// hostname the hook fails closed rather than falling back to the system
// resolver.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrUnpinned is returned when DialContext is asked to dial a hostname
// for which the request's context carries no Target. The dial fails
// closed rather than falling back to the system resolver.
var ErrUnpinned = errors.New("dialer: no pinned target for this request")

// Target is the validated address set for one dial attempt.
type Target struct {
	Hostname string
	Port     string
	IPs      []netip.Addr
}

type targetKey struct{}

// WithTarget attaches t to ctx so a later DialContext call on that same
// request can find it.
func WithTarget(ctx context.Context, t Target) context.Context {
	return context.WithValue(ctx, targetKey{}, t)
}

// TargetFromContext retrieves a Target previously attached with
// WithTarget.
func TargetFromContext(ctx context.Context) (Target, bool) {
	t, ok := ctx.Value(targetKey{}).(Target)
	return t, ok
}

// Dialer dials the pinned Target carried on a request's context instead
// of resolving addr's hostname itself.
type Dialer struct {
	// Timeout bounds every dial attempt combined (all pinned IPs, not
	// each individually).
	Timeout time.Duration
}

// DialContext is installed as an http.Transport's DialContext. It never
// resolves addr: it dials the pinned Target's IPs on the Target's port and
// uses addr only to name the dial in the ErrUnpinned error. addr's host
// and port are not compared against the Target.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	target, ok := TargetFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnpinned, addr)
	}
	if len(target.IPs) == 0 {
		return nil, fmt.Errorf("%w: empty pinned IP set for %s", ErrUnpinned, target.Hostname)
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(target.IPs) == 1 {
		return dialOne(dialCtx, network, target.IPs[0], target.Port)
	}
	return dialRace(dialCtx, network, target.IPs, target.Port)
}

func dialOne(ctx context.Context, network string, ip netip.Addr, port string) (net.Conn, error) {
	nd := &net.Dialer{}
	return nd.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}

// dialRace races a connect attempt against every pinned IP concurrently,
// happy-eyeballs style, and returns the first successful connection,
// cancelling the rest.
func dialRace(ctx context.Context, network string, ips []netip.Addr, port string) (net.Conn, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A plain errgroup.Group, not errgroup.WithContext: that variant
	// cancels a shared derived context on the first non-nil error, which
	// would abort every other still-connecting sibling the moment one
	// pinned IP fails to connect. Each dial gets raceCtx directly instead,
	// so only a genuine success (via cancel() below) or the caller's own
	// deadline stops the others.
	var g errgroup.Group
	results := make(chan net.Conn, len(ips))
	var won atomic.Bool

	for _, ip := range ips {
		ip := ip
		g.Go(func() error {
			conn, err := dialOne(raceCtx, network, ip, port)
			if err != nil {
				return err
			}
			if won.CompareAndSwap(false, true) {
				results <- conn
				cancel()
			} else {
				_ = conn.Close()
			}
			return nil
		})
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	select {
	case conn := <-results:
		return conn, nil
	case err := <-waitErr:
		select {
		case conn := <-results:
			return conn, nil
		default:
		}
		if err != nil {
			return nil, fmt.Errorf("dialer: all pinned addresses failed: %w", err)
		}
		return nil, fmt.Errorf("dialer: all pinned addresses failed")
	}
}
