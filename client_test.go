package fetchguard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lox/fetchguard/internal/audit"
)

func allowLoopback() FetchPolicy {
	return FetchPolicy{DenyPrivateIPs: boolPtr(false)}
}

func TestFetchReturnsBodyAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := New(allowLoopback())
	resp, err := c.Fetch(t.Context(), FetchRequest{URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != "hello" {
		t.Fatalf("got %+v", resp)
	}
	if resp.Headers.Get("X-Test") != "yes" {
		t.Fatalf("missing header, got %+v", resp.Headers)
	}
	if resp.FinalURL != srv.URL {
		t.Fatalf("FinalURL = %q, want %q", resp.FinalURL, srv.URL)
	}
}

func TestFetchRejectsPrivateIPByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(FetchPolicy{})
	_, err := c.Fetch(t.Context(), FetchRequest{URL: srv.URL})
	if !errors.Is(err, ErrPrivateIPBlocked) {
		t.Fatalf("got %v, want ErrPrivateIPBlocked", err)
	}
}

func TestFetchFollowsRedirectAndRevalidates(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("landed"))
	}))
	defer final.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusFound)
	}))
	defer srv.Close()

	c := New(allowLoopback())
	resp, err := c.Fetch(t.Context(), FetchRequest{URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(resp.Body) != "landed" || resp.FinalURL != final.URL {
		t.Fatalf("got %+v", resp)
	}
}

func TestFetchSeeOtherRewritesToGETAndDropsBody(t *testing.T) {
	var gotMethod string
	var gotBodyLen int64
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotBodyLen = r.ContentLength
	}))
	defer final.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusSeeOther)
	}))
	defer srv.Close()

	c := New(allowLoopback())
	_, err := c.Fetch(t.Context(), FetchRequest{URL: srv.URL, Method: http.MethodPost, Body: []byte("payload")})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotMethod != http.MethodGet {
		t.Fatalf("method = %q, want GET", gotMethod)
	}
	if gotBodyLen > 0 {
		t.Fatalf("body length = %d, want 0", gotBodyLen)
	}
}

func TestFetchTooManyRedirectsFails(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL, http.StatusFound)
	}))
	defer srv.Close()

	p := allowLoopback()
	p.MaxRedirects = 2
	c := New(p)
	_, err := c.Fetch(t.Context(), FetchRequest{URL: srv.URL})
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("got %v, want ErrTooManyRedirects", err)
	}
}

func TestFetchExactlyMaxRedirectsSucceeds(t *testing.T) {
	var srv *httptest.Server
	hops := 0
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops++
		if hops > 2 {
			_, _ = w.Write([]byte("done"))
			return
		}
		http.Redirect(w, r, srv.URL, http.StatusFound)
	}))
	defer srv.Close()

	p := allowLoopback()
	p.MaxRedirects = 2
	c := New(p)
	resp, err := c.Fetch(t.Context(), FetchRequest{URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(resp.Body) != "done" {
		t.Fatalf("got %+v", resp)
	}
}

func TestFetchBodyTooLargeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	p := allowLoopback()
	p.MaxResponseBytes = 10
	c := New(p)
	_, err := c.Fetch(t.Context(), FetchRequest{URL: srv.URL})
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("got %v, want ErrBodyTooLarge", err)
	}
}

func TestFetchRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := allowLoopback()
	p.RateLimit = &RateLimitConfig{Burst: 1, Count: 1, Interval: time.Minute}
	c := New(p)

	if _, err := c.Fetch(t.Context(), FetchRequest{URL: srv.URL}); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	_, err := c.Fetch(t.Context(), FetchRequest{URL: srv.URL})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
}

func TestFetchConnectTimeoutReportsConnectPhase(t *testing.T) {
	p := allowLoopback()
	p.ConnectTimeout = 50 * time.Millisecond
	p.RequestTimeout = 5 * time.Second
	c := New(p)

	// 192.0.2.1 (TEST-NET-1, RFC 5737) is reserved and never routed, so the
	// dial hangs until ConnectTimeout's nested context expires rather than
	// failing fast with a connection-refused error.
	_, err := c.Fetch(t.Context(), FetchRequest{URL: "http://192.0.2.1:81/"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	var rej *RejectError
	if errors.As(err, &rej) && rej.Detail != "connect" {
		t.Fatalf("timeout phase = %q, want %q", rej.Detail, "connect")
	}
}

func TestFetchDisallowedSchemeRejected(t *testing.T) {
	c := New(allowLoopback())
	_, err := c.Fetch(t.Context(), FetchRequest{URL: "ftp://127.0.0.1/"})
	if !errors.Is(err, ErrSchemeDisallowed) {
		t.Fatalf("got %v, want ErrSchemeDisallowed", err)
	}
}

// capturingSink records every Decision handed to it, standing in for a
// real persistence layer (see internal/audit.SQLiteSink for that).
type capturingSink struct {
	mu        sync.Mutex
	decisions []audit.Decision
}

func (s *capturingSink) Record(_ context.Context, d audit.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func TestFetchRecordsAuditDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := &capturingSink{}
	p := allowLoopback()
	p.AuditSink = sink
	c := New(p)

	if _, err := c.Fetch(t.Context(), FetchRequest{URL: srv.URL}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.decisions) != 1 || !sink.decisions[0].Admitted {
		t.Fatalf("got %+v", sink.decisions)
	}
	if sink.decisions[0].RequestID == "" {
		t.Fatal("expected a request ID on the recorded decision")
	}
}

func TestFetchRedirectHopsShareRequestID(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("landed"))
	}))
	defer final.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusFound)
	}))
	defer srv.Close()

	sink := &capturingSink{}
	p := allowLoopback()
	p.AuditSink = sink
	c := New(p)

	if _, err := c.Fetch(t.Context(), FetchRequest{URL: srv.URL}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.decisions) != 2 {
		t.Fatalf("got %d decisions, want 2", len(sink.decisions))
	}
	if sink.decisions[0].RequestID == "" || sink.decisions[0].RequestID != sink.decisions[1].RequestID {
		t.Fatalf("request IDs differ across hops: %+v", sink.decisions)
	}
}

func TestFetchRecordsRejectionDecision(t *testing.T) {
	sink := &capturingSink{}
	c := New(FetchPolicy{AuditSink: sink})

	_, err := c.Fetch(t.Context(), FetchRequest{URL: "http://127.0.0.1/"})
	if err == nil {
		t.Fatal("expected rejection")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.decisions) != 1 || sink.decisions[0].Admitted {
		t.Fatalf("got %+v", sink.decisions)
	}
	if sink.decisions[0].Reason == "" {
		t.Fatal("expected a reason on a rejected decision")
	}
}
