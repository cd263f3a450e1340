// Package addr parses and resolves the "host:port" addresses used to name
// cluster members, and maintains the round-robin seed list a client falls
// back to when it has no better idea who the leader is.
package addr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
)

// ErrSucky is returned by Resolve for an address with a zero port or an
// unresolvable host. Such an address is legal to receive (e.g. as a
// NOT_LEADER hint) but unusable — the caller should fall through to its seed
// list rather than fail.
var ErrSucky = errors.New("addr: sucky address")

// Address is a parsed "host:port" string. It may not yet have been resolved
// or validated — use Resolve to get concrete endpoints.
type Address struct {
	Host string
	Port uint16
}

// Parse splits s into a host and a port. It does not resolve or validate the
// host; a syntactically valid but semantically unusable address (port 0, or
// a host that won't resolve) is still returned — see IsSucky/Resolve.
func Parse(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("addr: parse %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("addr: parse %q: invalid port: %w", s, err)
	}
	return Address{Host: host, Port: uint16(port)}, nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// IsSucky reports whether a is trivially unusable: a zero port makes any host
// meaningless to dial.
func (a Address) IsSucky() bool {
	return a.Port == 0
}

// Resolve returns the concrete endpoints a names. An address with a zero
// port, or whose host does not resolve to any address, is "sucky" and
// Resolve returns ErrSucky (never a bare resolver error) so callers can
// uniformly treat it as "ignore and move on."
func (a Address) Resolve(ctx context.Context, resolver *net.Resolver) ([]netip.AddrPort, error) {
	if a.IsSucky() {
		return nil, ErrSucky
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if ip, err := netip.ParseAddr(a.Host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip, a.Port)}, nil
	}
	ips, err := resolver.LookupIP(ctx, "ip", a.Host)
	if err != nil || len(ips) == 0 {
		return nil, ErrSucky
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		if addr, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, netip.AddrPortFrom(addr.Unmap(), a.Port))
		}
	}
	if len(out) == 0 {
		return nil, ErrSucky
	}
	return out, nil
}

// SeedList is a fixed set of candidate cluster-member addresses, cycled
// round-robin. It is safe for concurrent use.
type SeedList struct {
	mu   sync.Mutex
	next int
	seeds []Address
}

// NewSeedList builds a SeedList from the given addresses. Parse errors are
// silently skipped — a seed list is a best-effort bootstrap aid, not a
// validated configuration.
func NewSeedList(raw []string) *SeedList {
	sl := &SeedList{}
	for _, r := range raw {
		if a, err := Parse(r); err == nil {
			sl.seeds = append(sl.seeds, a)
		}
	}
	return sl
}

// Next returns the next seed in round-robin order, or false if the list is
// empty.
func (sl *SeedList) Next() (Address, bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if len(sl.seeds) == 0 {
		return Address{}, false
	}
	a := sl.seeds[sl.next%len(sl.seeds)]
	sl.next++
	return a, true
}

// Len reports the number of seeds.
func (sl *SeedList) Len() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.seeds)
}
