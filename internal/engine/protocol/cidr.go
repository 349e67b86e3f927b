package protocol

import (
	"fmt"
	"net/netip"
)

// CIDRSet is an immutable list of prefixes with a membership test.
type CIDRSet struct {
	prefixes []netip.Prefix
}

// NewCIDRSet parses the given CIDR strings.
func NewCIDRSet(cidrs []string) (*CIDRSet, error) {
	set := &CIDRSet{prefixes: make([]netip.Prefix, 0, len(cidrs))}
	for _, c := range cidrs {
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", c, err)
		}
		set.prefixes = append(set.prefixes, prefix.Masked())
	}
	return set, nil
}

// Contains reports whether addr falls inside any prefix of the set.
func (s *CIDRSet) Contains(addr netip.Addr) bool {
	if s == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of prefixes.
func (s *CIDRSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.prefixes)
}
