// internal/store/links.go
package store

import (
	"net/netip"
	"sync"
	"time"

	"github.com/busybox42/aegis-crawler/pkg/types"
)

// LinkSet holds at most one link per unordered address pair.
type LinkSet struct {
	links map[types.LinkKey]types.Link
	mu    sync.RWMutex
}

func NewLinkSet(links ...types.Link) *LinkSet {
	s := &LinkSet{
		links: make(map[types.LinkKey]types.Link, len(links)),
	}
	for _, l := range links {
		s.links[l.Key()] = l
	}
	return s
}

// Replace inserts the given links, overwriting the LastSeen of any that are
// already present.
func (s *LinkSet) Replace(links ...types.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range links {
		s.links[l.Key()] = l
	}
}

func (s *LinkSet) Get(a, b netip.AddrPort) (types.Link, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[types.KeyOf(a, b)]
	return l, ok
}

func (s *LinkSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links)
}

// Snapshot returns a point-in-time copy of the set.
func (s *LinkSet) Snapshot() map[types.LinkKey]types.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.LinkKey]types.Link, len(s.links))
	for k, l := range s.links {
		out[k] = l
	}
	return out
}

// Endpoints returns every address that is an endpoint of a known link.
func (s *LinkSet) Endpoints() []netip.AddrPort {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[netip.AddrPort]struct{}, len(s.links))
	out := make([]netip.AddrPort, 0, len(s.links))
	for k := range s.links {
		a, b := k.Endpoints()
		for _, addr := range [2]netip.AddrPort{a, b} {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// StaleAbsent returns the keys of links touching source that are missing from
// reported and whose last sighting is more than cutoff whole hours before now.
func (s *LinkSet) StaleAbsent(source netip.AddrPort, reported map[types.LinkKey]struct{}, cutoff time.Duration, now time.Time) []types.LinkKey {
	cutoffHrs := int64(cutoff / time.Hour)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []types.LinkKey
	for k, l := range s.links {
		if _, ok := reported[k]; ok {
			continue
		}
		if !k.Contains(source) {
			continue
		}
		if int64(now.Sub(l.LastSeen)/time.Hour) > cutoffHrs {
			stale = append(stale, k)
		}
	}
	return stale
}

// Reconcile removes the given keys and then upserts the given links under a
// single write lock.
func (s *LinkSet) Reconcile(remove []types.LinkKey, insert []types.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range remove {
		delete(s.links, k)
	}
	for _, l := range insert {
		s.links[l.Key()] = l
	}
}
