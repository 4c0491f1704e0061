package ipclass

import (
	"fmt"
	"net/netip"
	"strings"
)

// List matches identifiers against exact addresses, CIDR prefixes and, for
// identifiers that are not addresses (API keys, principals), exact strings.
type List struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
	names    map[string]struct{}
}

// ParseList builds a list from entries such as "10.0.0.0/8", "2001:db8::1" or "key:partner".
func ParseList(entries []string) (*List, error) {
	l := &List{
		addrs: make(map[netip.Addr]struct{}),
		names: make(map[string]struct{}),
	}

	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("parse prefix %q: %w", entry, err)
			}
			p = p.Masked()
			if p.Addr().Is4In6() && p.Bits() >= 96 {
				p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96).Masked()
			}
			l.prefixes = append(l.prefixes, p)
			continue
		}

		if addr, err := netip.ParseAddr(entry); err == nil {
			l.addrs[addr.Unmap()] = struct{}{}
			continue
		}
		l.names[entry] = struct{}{}
	}
	return l, nil
}

// Contains reports whether identifier matches any entry.
func (l *List) Contains(identifier string) bool {
	if l == nil {
		return false
	}
	if _, ok := l.names[identifier]; ok {
		return true
	}

	addr, err := netip.ParseAddr(identifier)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	if _, ok := l.addrs[addr]; ok {
		return true
	}
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.addrs) + len(l.prefixes) + len(l.names)
}
