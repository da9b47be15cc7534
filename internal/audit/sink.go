// Package audit defines the (optional, ambient) decision log that
// fetchguard.Client reports policy-pipeline decisions to. The package also
// holds the SQLite-backed sink, so importing it links modernc.org/sqlite;
// a Client with no configured Sink records into NoopSink.
package audit

import (
	"context"
	"time"
)

// Decision records a single policy-pipeline admit/reject outcome.
type Decision struct {
	// RequestID correlates every hop of one Client.Fetch call (a redirect
	// chain produces one Decision per hop, all sharing a RequestID).
	RequestID string
	Timestamp time.Time
	Hostname  string
	URL       string
	Admitted  bool
	// Reason is the stable RejectReason tag, empty when Admitted is true.
	Reason string
	Detail string
}

// Sink receives every decision the Policy Pipeline makes, admitted or
// rejected. Implementations must not block the fetch path for long:
// Client.Fetch calls Record synchronously on the hot path.
type Sink interface {
	Record(ctx context.Context, d Decision) error
}

// NoopSink discards every decision. It is the default fetchguard.Client
// uses when no AuditSink is configured.
type NoopSink struct{}

// Record implements Sink.
func (NoopSink) Record(context.Context, Decision) error { return nil }
