// Package ipclassify maps a numeric IP address to a safe/unsafe verdict.
//
// It is a pure function over net/netip: no I/O, no state, safe to call from
// any goroutine without synchronization.
package ipclassify

import "net/netip"

// unsafePrefixes is the canonical list of CIDR ranges considered unsafe for
// an outbound fetch to reach when deny-private-ips is enabled. Entries are
// checked in order and the first match supplies the reason, so the
// broadcast /32 sits ahead of the 240.0.0.0/4 block that contains it.
var unsafePrefixes = []struct {
	prefix netip.Prefix
	reason string
}{
	// IPv4 reserved/private/special-use
	{netip.MustParsePrefix("0.0.0.0/8"), "this-network"},
	{netip.MustParsePrefix("10.0.0.0/8"), "private"},
	{netip.MustParsePrefix("100.64.0.0/10"), "CGNAT"},
	{netip.MustParsePrefix("127.0.0.0/8"), "loopback"},
	{netip.MustParsePrefix("169.254.0.0/16"), "link-local"},
	{netip.MustParsePrefix("172.16.0.0/12"), "private"},
	{netip.MustParsePrefix("192.0.0.0/24"), "IETF protocol assignment"},
	{netip.MustParsePrefix("192.0.2.0/24"), "documentation"},
	{netip.MustParsePrefix("192.168.0.0/16"), "private"},
	{netip.MustParsePrefix("198.18.0.0/15"), "benchmark"},
	{netip.MustParsePrefix("198.51.100.0/24"), "documentation"},
	{netip.MustParsePrefix("203.0.113.0/24"), "documentation"},
	{netip.MustParsePrefix("224.0.0.0/4"), "multicast"},
	{netip.MustParsePrefix("255.255.255.255/32"), "broadcast"},
	{netip.MustParsePrefix("240.0.0.0/4"), "reserved"},

	// IPv6 reserved/private/special-use
	{netip.MustParsePrefix("::/128"), "unspecified"},
	{netip.MustParsePrefix("::1/128"), "loopback"},
	{netip.MustParsePrefix("64:ff9b::/96"), "NAT64"},
	{netip.MustParsePrefix("100::/64"), "discard"},
	{netip.MustParsePrefix("2001:db8::/32"), "documentation"},
	{netip.MustParsePrefix("fc00::/7"), "unique-local"},
	{netip.MustParsePrefix("fe80::/10"), "link-local"},
	{netip.MustParsePrefix("ff00::/8"), "multicast"},
}

// Classify reports whether addr is safe to dial. When denyPrivate is false
// every syntactically valid address is safe.
//
// IPv4-mapped (::ffff:0:0/96) and IPv4-translated (::ffff:0:0:0/96) IPv6
// addresses are unwrapped and classified as their embedded IPv4 address, and
// NAT64 addresses (64:ff9b::/96) recurse the same way, so an encoding trick
// never bypasses a v4 rule.
func Classify(addr netip.Addr, denyPrivate bool) (safe bool, reason string) {
	if !addr.IsValid() {
		return false, "invalid"
	}
	if !denyPrivate {
		return true, ""
	}

	if embedded, ok := embeddedV4(addr); ok {
		return Classify(embedded, denyPrivate)
	}

	for _, entry := range unsafePrefixes {
		if entry.prefix.Contains(addr) {
			return false, entry.reason
		}
	}
	return true, ""
}

// embeddedV4 extracts the IPv4 address embedded in an IPv4-mapped
// (::ffff:a.b.c.d), IPv4-translated (::ffff:0:a.b.c.d), or NAT64
// (64:ff9b::a.b.c.d) IPv6 address.
func embeddedV4(addr netip.Addr) (netip.Addr, bool) {
	if !addr.Is6() {
		return netip.Addr{}, false
	}
	if v4, ok := unmap4in6(addr); ok {
		return v4, true
	}
	if nat64Prefix.Contains(addr) {
		b := addr.As16()
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
	}
	return netip.Addr{}, false
}

var (
	v4MappedPrefix     = netip.MustParsePrefix("::ffff:0:0/96")
	v4TranslatedPrefix = netip.MustParsePrefix("::ffff:0:0:0/96")
	nat64Prefix        = netip.MustParsePrefix("64:ff9b::/96")
)

func unmap4in6(addr netip.Addr) (netip.Addr, bool) {
	if v4MappedPrefix.Contains(addr) {
		unmapped := addr.Unmap()
		if unmapped.Is4() {
			return unmapped, true
		}
	}
	if v4TranslatedPrefix.Contains(addr) {
		b := addr.As16()
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
	}
	return netip.Addr{}, false
}
