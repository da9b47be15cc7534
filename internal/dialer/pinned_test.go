package dialer

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"
)

func TestDialContextFailsClosedWithoutPinnedTarget(t *testing.T) {
	d := &Dialer{Timeout: time.Second}
	_, err := d.DialContext(context.Background(), "tcp", "example.com:80")
	if err == nil {
		t.Fatal("expected error dialing without a pinned target")
	}
	if !strings.Contains(err.Error(), "no pinned target") {
		t.Fatalf("got %v", err)
	}
}

func TestDialContextDialsPinnedIP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	_, port, _ := net.SplitHostPort(ln.Addr().String())

	d := &Dialer{Timeout: 2 * time.Second}
	ctx := WithTarget(context.Background(), Target{
		Hostname: "example.com",
		Port:     port,
		IPs:      []netip.Addr{netip.MustParseAddr("127.0.0.1")},
	})

	conn, err := d.DialContext(ctx, "tcp", "example.com:"+port)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	conn.Close()
}

func TestDialContextRacesMultipleIPsAndSucceedsOnFirstReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	d := &Dialer{Timeout: 2 * time.Second}
	// 127.0.0.2 has nothing listening; 127.0.0.1 does. The race must
	// still succeed via the reachable address.
	ctx := WithTarget(context.Background(), Target{
		Hostname: "example.com",
		Port:     port,
		IPs: []netip.Addr{
			netip.MustParseAddr("127.0.0.2"),
			netip.MustParseAddr("127.0.0.1"),
		},
	})

	conn, err := d.DialContext(ctx, "tcp", "example.com:"+port)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	conn.Close()
}
