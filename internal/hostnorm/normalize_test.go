package hostnorm

import (
	"net/netip"
	"testing"
)

func TestNormalizeNumericIPv4Encodings(t *testing.T) {
	want := netip.MustParseAddr("127.0.0.1")
	cases := []string{
		"127.0.0.1",
		"0x7f.0x0.0x0.0x1",
		"0177.0000.0000.0001",
		"2130706433",
		"0x7f000001",
		"017700000001",
		"127.1",
		"127.0.1",
	}
	for _, host := range cases {
		got, err := Normalize(host)
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", host, err)
		}
		if got.Kind != KindIP {
			t.Fatalf("Normalize(%q).Kind = %v, want KindIP", host, got.Kind)
		}
		if got.IP != want {
			t.Fatalf("Normalize(%q).IP = %v, want %v", host, got.IP, want)
		}
	}
}

func TestNormalizeMixedEncodingDottedQuad(t *testing.T) {
	got, err := Normalize("192.168.1.1")
	if err != nil {
		t.Fatal(err)
	}
	if got.IP != netip.MustParseAddr("192.168.1.1") {
		t.Fatalf("got %v", got.IP)
	}

	got, err = Normalize("0300.0250.01.01")
	if err != nil {
		t.Fatal(err)
	}
	if got.IP != netip.MustParseAddr("192.168.1.1") {
		t.Fatalf("octal dotted quad: got %v", got.IP)
	}
}

func TestNormalizeBracketedIPv6(t *testing.T) {
	got, err := Normalize("[::1]")
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindIP || got.IP != netip.MustParseAddr("::1") {
		t.Fatalf("got %+v", got)
	}
}

func TestNormalizeDNSName(t *testing.T) {
	got, err := Normalize("Example.COM.")
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindDNS || got.Name != "example.com" {
		t.Fatalf("got %+v", got)
	}
}

func TestNormalizeRejectsMalformedHost(t *testing.T) {
	cases := []string{"", "ex ample.com", "-leading.com", "trailing-.com", "a..b"}
	for _, host := range cases {
		if _, err := Normalize(host); err == nil {
			t.Fatalf("Normalize(%q) expected error", host)
		}
	}
}

func TestNormalizeRejectsOutOfRangeFinalOctet(t *testing.T) {
	// Every other arity in parseNumericIPv4 bounds its absorbing final
	// value (0xFFFFFFFF/0xFFFFFF/0xFFFF for 1/2/3 parts); the 4-part
	// dotted-quad form must reject an out-of-range last octet the same
	// way instead of silently truncating it with byte(values[3]).
	got, err := Normalize("1.2.3.256")
	if err == nil && got.Kind == KindIP {
		t.Fatalf("Normalize(\"1.2.3.256\") = %+v, want rejected as numeric IPv4, not truncated to %v", got, got.IP)
	}
}

func TestNormalizeRejectsOversizedLabel(t *testing.T) {
	label := make([]byte, 64)
	for i := range label {
		label[i] = 'a'
	}
	if _, err := Normalize(string(label) + ".com"); err == nil {
		t.Fatal("expected error for 64-byte label")
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, host := range []string{"0x7f000001", "example.com.", "[::1]", "192.168.1.1"} {
		first, err := Normalize(host)
		if err != nil {
			t.Fatal(err)
		}
		second, err := Normalize(first.String())
		if err != nil {
			t.Fatalf("re-normalize %q: %v", first.String(), err)
		}
		if first != second {
			t.Fatalf("Normalize not idempotent for %q: %+v vs %+v", host, first, second)
		}
	}
}
