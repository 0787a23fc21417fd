// pkg/types/link.go
package types

import (
	"fmt"
	"net/netip"
	"time"
)

// LinkKey is the order-independent identity of a Link. Two links between the
// same pair of addresses always produce the same key.
type LinkKey struct {
	a, b netip.AddrPort
}

// Link is an observed connection between two listening addresses.
type Link struct {
	Source   netip.AddrPort
	Target   netip.AddrPort
	LastSeen time.Time
}

// NewLink builds a link between a and b. The endpoints are stored in a fixed
// order so that NewLink(a, b, t) == NewLink(b, a, t).
func NewLink(a, b netip.AddrPort, lastSeen time.Time) Link {
	if b.Compare(a) < 0 {
		a, b = b, a
	}
	return Link{
		Source:   a,
		Target:   b,
		LastSeen: lastSeen,
	}
}

// KeyOf returns the identity of the link between a and b.
func KeyOf(a, b netip.AddrPort) LinkKey {
	if b.Compare(a) < 0 {
		a, b = b, a
	}
	return LinkKey{a: a, b: b}
}

// Key returns the link's identity. LastSeen is not part of it.
func (l Link) Key() LinkKey {
	return KeyOf(l.Source, l.Target)
}

// Contains reports whether addr is one of the link's endpoints.
func (l Link) Contains(addr netip.AddrPort) bool {
	return l.Source == addr || l.Target == addr
}

func (l Link) String() string {
	return fmt.Sprintf("%s <-> %s", l.Source, l.Target)
}

// Endpoints returns both addresses of the key.
func (k LinkKey) Endpoints() (netip.AddrPort, netip.AddrPort) {
	return k.a, k.b
}

// Contains reports whether addr is one of the key's endpoints.
func (k LinkKey) Contains(addr netip.AddrPort) bool {
	return k.a == addr || k.b == addr
}
