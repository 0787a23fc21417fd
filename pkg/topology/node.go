package topology

import (
	"math"
	"net/netip"
	"time"

	"github.com/busybox42/aegis-crawler/pkg/protocol"
)

// NodeState is the most recent state a node reported about itself. It is
// replaced as a whole on every report and never modified in place.
type NodeState struct {
	NodeType protocol.NodeType
	Version  uint32
	Height   uint32
	State    protocol.State
}

// NodeMeta is the crawler's knowledge about a single listening address.
type NodeMeta struct {
	listeningAddr netip.AddrPort

	// state is nil until the node's first Ping arrives.
	state *NodeState

	// lastInteraction is the zero time until something is heard about the
	// node or a connection to it is attempted.
	lastInteraction time.Time

	receivedPeerSets   uint8
	connectionFailures uint8

	handshakeTime time.Duration
	hasHandshake  bool
}

func newNodeMeta(addr netip.AddrPort) *NodeMeta {
	return &NodeMeta{listeningAddr: addr}
}

func (m NodeMeta) ListeningAddr() netip.AddrPort {
	return m.listeningAddr
}

// State returns the node's last reported state, if any.
func (m NodeMeta) State() (NodeState, bool) {
	if m.state == nil {
		return NodeState{}, false
	}
	return *m.state, true
}

// Pending reports whether the node has yet to report its state.
func (m NodeMeta) Pending() bool {
	return m.state == nil
}

// LastInteraction returns the time of the last fact recorded about the node.
func (m NodeMeta) LastInteraction() (time.Time, bool) {
	return m.lastInteraction, !m.lastInteraction.IsZero()
}

func (m NodeMeta) ReceivedPeerSets() uint8 {
	return m.receivedPeerSets
}

func (m NodeMeta) ConnectionFailures() uint8 {
	return m.connectionFailures
}

// HandshakeTime returns how long the last successful connection took.
func (m NodeMeta) HandshakeTime() (time.Duration, bool) {
	return m.handshakeTime, m.hasHandshake
}

// resetCrawlState clears the counters that decide whether the crawler stays
// connected. Called when disconnecting from a node that was fully crawled.
func (m *NodeMeta) resetCrawlState(now time.Time) {
	m.receivedPeerSets = 0
	m.connectionFailures = 0
	m.lastInteraction = now
}

// needsRefreshing reports whether the node should be connected to again.
// Nodes that never reported state back off by one minute per consecutive
// connection failure.
func (m NodeMeta) needsRefreshing(now time.Time, crawlInterval time.Duration) bool {
	if m.lastInteraction.IsZero() {
		return true
	}

	interval := int64(crawlInterval / time.Minute)
	if m.state == nil {
		interval = int64(m.connectionFailures)
	}

	return int64(now.Sub(m.lastInteraction)/time.Minute) > interval
}

func saturatingInc(n uint8) uint8 {
	if n == math.MaxUint8 {
		return n
	}
	return n + 1
}
