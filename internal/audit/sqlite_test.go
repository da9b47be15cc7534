package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteSinkRecordsDecision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer sink.Close()

	err = sink.Record(t.Context(), Decision{
		Timestamp: time.Now(),
		Hostname:  "example.com",
		URL:       "https://example.com/",
		Admitted:  false,
		Reason:    "private IP blocked",
		Detail:    "127.0.0.1",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	var count int
	if err := sink.db.QueryRow(`SELECT COUNT(*) FROM fetch_decisions`).Scan(&count); err != nil {
		t.Fatalf("query count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestNoopSinkDiscards(t *testing.T) {
	var s NoopSink
	if err := s.Record(t.Context(), Decision{}); err != nil {
		t.Fatalf("NoopSink.Record returned error: %v", err)
	}
}
