// pkg/topology/network.go
package topology

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/aegis-crawler/internal/store"
	"github.com/busybox42/aegis-crawler/pkg/protocol"
	"github.com/busybox42/aegis-crawler/pkg/types"
)

// KnownNetwork tracks crawled nodes and the links observed between them. All
// addresses are listening addresses. It is safe for concurrent use.
//
// The node registry and the link set are guarded separately; a reader may
// briefly see a link whose endpoints have not been registered yet.
type KnownNetwork struct {
	cfg   Config
	clock clock.Clock
	log   *logrus.Entry

	nodes map[netip.AddrPort]*NodeMeta
	mu    sync.RWMutex

	links *store.LinkSet
}

type Option func(*KnownNetwork)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(k *KnownNetwork) {
		k.clock = c
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(k *KnownNetwork) {
		k.log = log
	}
}

func New(cfg Config, opts ...Option) *KnownNetwork {
	k := &KnownNetwork{
		cfg:   cfg,
		clock: clock.New(),
		log:   logrus.NewEntry(logrus.StandardLogger()),
		nodes: make(map[netip.AddrPort]*NodeMeta),
		links: store.NewLinkSet(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// entry returns the record for addr, creating it if needed. Callers must hold
// the write lock.
func (k *KnownNetwork) entry(addr netip.AddrPort) *NodeMeta {
	meta, ok := k.nodes[addr]
	if !ok {
		meta = newNodeMeta(addr)
		k.nodes[addr] = meta
	}
	return meta
}

// AddNode registers addr. It is a no-op if the address is already known.
func (k *KnownNetwork) AddNode(addr netip.AddrPort) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entry(addr)
}

// ReceivedPing records the state a node reported about itself.
func (k *KnownNetwork) ReceivedPing(source netip.AddrPort, nodeType protocol.NodeType, version uint32, state protocol.State, height uint32) {
	now := k.clock.Now()

	k.mu.Lock()
	defer k.mu.Unlock()

	meta := k.entry(source)
	meta.state = &NodeState{
		NodeType: nodeType,
		Version:  version,
		Height:   height,
		State:    state,
	}
	meta.lastInteraction = now
}

// ReceivedPeers updates the known links based on a node's list of peers and
// registers any addresses seen for the first time.
func (k *KnownNetwork) ReceivedPeers(source netip.AddrPort, addrs []netip.AddrPort) {
	now := k.clock.Now()

	k.updateLinks(source, addrs, now)

	k.mu.Lock()
	defer k.mu.Unlock()

	meta := k.entry(source)
	meta.receivedPeerSets = saturatingInc(meta.receivedPeerSets)
	meta.lastInteraction = now
}

// updateLinks reconciles the link set with a peer list reported by source.
// New links are added and known ones refreshed. A known link involving source
// that is missing from the list is only removed once it is stale, since peer
// lists are capped in size and an omission does not prove the link is gone.
func (k *KnownNetwork) updateLinks(source netip.AddrPort, peers []netip.AddrPort, now time.Time) {
	reported := make(map[types.LinkKey]struct{}, len(peers))
	fresh := make([]types.Link, 0, len(peers))
	for _, peer := range peers {
		link := types.NewLink(source, peer, now)
		if _, dup := reported[link.Key()]; dup {
			continue
		}
		reported[link.Key()] = struct{}{}
		fresh = append(fresh, link)
	}

	stale := k.links.StaleAbsent(source, reported, k.cfg.StaleLinkCutoff, now)
	k.links.Reconcile(stale, fresh)

	if len(stale) > 0 {
		k.log.WithFields(logrus.Fields{
			"source": source,
			"purged": len(stale),
		}).Debug("Purged stale links")
	}

	endpoints := k.links.Endpoints()

	k.mu.Lock()
	defer k.mu.Unlock()
	for _, addr := range endpoints {
		k.entry(addr)
	}
}

// ConnectedToNode records the outcome of a connection attempt that began at
// startedAt.
func (k *KnownNetwork) ConnectedToNode(source netip.AddrPort, startedAt time.Time, succeeded bool) {
	now := k.clock.Now()

	k.mu.Lock()
	defer k.mu.Unlock()

	meta := k.entry(source)
	meta.lastInteraction = startedAt

	if succeeded {
		meta.connectionFailures = 0
		meta.handshakeTime = now.Sub(startedAt)
		meta.hasHandshake = true
	} else {
		meta.connectionFailures = saturatingInc(meta.connectionFailures)
	}
}

// ShouldBeConnectedTo reports whether addr should be (re)connected to.
func (k *KnownNetwork) ShouldBeConnectedTo(addr netip.AddrPort) bool {
	now := k.clock.Now()

	k.mu.RLock()
	defer k.mu.RUnlock()

	meta, ok := k.nodes[addr]
	if !ok {
		return true
	}
	return meta.needsRefreshing(now, k.cfg.CrawlInterval)
}

// AddrsToConnect returns the addresses the crawler should connect to. It
// works on a snapshot so the caller can dial without holding any lock.
func (k *KnownNetwork) AddrsToConnect() map[netip.AddrPort]struct{} {
	now := k.clock.Now()

	addrs := make(map[netip.AddrPort]struct{})
	for addr, meta := range k.Nodes() {
		if meta.needsRefreshing(now, k.cfg.CrawlInterval) {
			addrs[addr] = struct{}{}
		}
	}
	return addrs
}

// AddrsToDisconnect forgets nodes that failed too many connection attempts
// and returns the nodes the crawler got everything it wanted from. The
// returned nodes have their crawl state reset.
func (k *KnownNetwork) AddrsToDisconnect() []netip.AddrPort {
	now := k.clock.Now()

	k.mu.Lock()
	defer k.mu.Unlock()

	for addr, meta := range k.nodes {
		if meta.connectionFailures > k.cfg.MaxConnectionFailures {
			delete(k.nodes, addr)
			k.log.WithFields(logrus.Fields{
				"addr":     addr,
				"failures": meta.connectionFailures,
			}).Debug("Forgetting unreachable node")
		}
	}

	var addrs []netip.AddrPort
	for addr, meta := range k.nodes {
		if meta.state != nil && meta.receivedPeerSets >= k.cfg.DesiredPeerSetCount {
			meta.resetCrawlState(now)
			addrs = append(addrs, addr)
		}
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Compare(addrs[j]) < 0 })
	return addrs
}

// HasLinks reports whether any link is known.
func (k *KnownNetwork) HasLinks() bool {
	return k.links.Len() > 0
}

// GetLink returns the link between a and b in either direction.
func (k *KnownNetwork) GetLink(a, b netip.AddrPort) (types.Link, bool) {
	return k.links.Get(a, b)
}

// Links returns a snapshot of all known links.
func (k *KnownNetwork) Links() map[types.LinkKey]types.Link {
	return k.links.Snapshot()
}

// Nodes returns a snapshot of all known nodes.
func (k *KnownNetwork) Nodes() map[netip.AddrPort]NodeMeta {
	k.mu.RLock()
	defer k.mu.RUnlock()

	nodes := make(map[netip.AddrPort]NodeMeta, len(k.nodes))
	for addr, meta := range k.nodes {
		nodes[addr] = *meta
	}
	return nodes
}
