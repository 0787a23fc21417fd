// pkg/crawler/crawler.go
package crawler

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/proxy"

	"github.com/busybox42/aegis-crawler/pkg/crypto"
	"github.com/busybox42/aegis-crawler/pkg/network"
	"github.com/busybox42/aegis-crawler/pkg/protocol"
	"github.com/busybox42/aegis-crawler/pkg/topology"
)

// Crawler walks the network: it connects to the nodes the known network asks
// for, turns their messages into facts, and drops them once crawled.
type Crawler struct {
	cfg    Config
	known  *topology.KnownNetwork
	dialer proxy.Dialer
	keys   *crypto.KeyPair
	clock  clock.Clock
	log    *logrus.Entry

	peers       map[netip.AddrPort]*network.Peer
	dialing     map[netip.AddrPort]struct{}
	lastSummary time.Time
	closed      bool
	mu          sync.Mutex

	wg sync.WaitGroup
}

type Option func(*Crawler)

func WithClock(c clock.Clock) Option {
	return func(cr *Crawler) {
		cr.clock = c
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(cr *Crawler) {
		cr.log = log
	}
}

func New(cfg Config, known *topology.KnownNetwork, dialer proxy.Dialer, keys *crypto.KeyPair, opts ...Option) *Crawler {
	if dialer == nil {
		dialer = proxy.Direct
	}
	c := &Crawler{
		cfg:     cfg,
		known:   known,
		dialer:  dialer,
		keys:    keys,
		clock:   clock.New(),
		log:     logrus.NewEntry(logrus.StandardLogger()),
		peers:   make(map[netip.AddrPort]*network.Peer),
		dialing: make(map[netip.AddrPort]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "crawler")
	return c
}

// Run crawls until ctx is cancelled, then closes every connection.
func (c *Crawler) Run(ctx context.Context) error {
	for _, seed := range c.cfg.Seeds {
		c.known.AddNode(seed)
	}
	c.log.Infof("Crawling from %d seed(s)", len(c.cfg.Seeds))

	ticker := c.clock.Ticker(c.cfg.Tick)
	defer ticker.Stop()

	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return c.Close()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs a single crawl round.
func (c *Crawler) Tick(ctx context.Context) {
	for _, addr := range c.known.AddrsToDisconnect() {
		c.disconnect(addr)
	}

	for _, peer := range c.connected() {
		c.send(peer, protocol.NewMessage(protocol.GetPeers, c.keys.PublicKey))
	}

	c.dialDue(ctx)

	now := c.clock.Now()
	c.mu.Lock()
	due := now.Sub(c.lastSummary) >= c.cfg.SummaryInterval
	if due {
		c.lastSummary = now
	}
	c.mu.Unlock()
	if due {
		c.logSummary()
	}
}

func (c *Crawler) dialDue(ctx context.Context) {
	due := c.known.AddrsToConnect()
	addrs := make([]netip.AddrPort, 0, len(due))
	for addr := range due {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Compare(addrs[j]) < 0 })

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	for _, addr := range addrs {
		if len(c.dialing) >= c.cfg.MaxConcurrentDials {
			return
		}
		if _, ok := c.peers[addr]; ok {
			continue
		}
		if _, ok := c.dialing[addr]; ok {
			continue
		}
		c.dialing[addr] = struct{}{}
		c.wg.Add(1)
		go c.connect(ctx, addr)
	}
}

func (c *Crawler) connect(ctx context.Context, addr netip.AddrPort) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.dialing, addr)
		c.mu.Unlock()
	}()

	start := c.clock.Now()
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	peer, err := network.Dial(dialCtx, c.dialer, addr, c.handleMessage)
	cancel()

	c.known.ConnectedToNode(addr, start, err == nil)
	if err != nil {
		c.log.WithField("addr", addr).WithError(err).Debug("Connection attempt failed")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		peer.Close()
		return
	}
	c.peers[addr] = peer
	c.wg.Add(1)
	c.mu.Unlock()

	go c.watch(peer)

	ping := protocol.NewPing(c.keys.PublicKey, c.cfg.NodeType, c.cfg.Version, protocol.Peering, c.cfg.Height, c.cfg.ListeningPort)
	c.send(peer, ping)
	c.send(peer, protocol.NewMessage(protocol.GetPeers, c.keys.PublicKey))
}

// watch forgets the peer once its connection goes away.
func (c *Crawler) watch(peer *network.Peer) {
	defer c.wg.Done()
	<-peer.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peers[peer.Address] == peer {
		delete(c.peers, peer.Address)
	}
}

func (c *Crawler) disconnect(addr netip.AddrPort) {
	c.mu.Lock()
	peer, ok := c.peers[addr]
	delete(c.peers, addr)
	c.mu.Unlock()

	if !ok {
		return
	}
	c.log.WithField("addr", addr).Debug("Disconnecting from crawled node")
	peer.Close()
}

func (c *Crawler) send(peer *network.Peer, msg *protocol.Message) {
	if err := msg.Sign(c.keys.PrivateKey); err != nil {
		c.log.WithError(err).Warn("Failed to sign message")
		return
	}
	if err := peer.Send(msg); err != nil {
		c.log.WithField("addr", peer.Address).WithError(err).Debugf("Failed to send %v", msg.Type)
		peer.Close()
	}
}

func (c *Crawler) handleMessage(peer *network.Peer, msg *protocol.Message) {
	if !msg.Verify() {
		c.log.WithField("addr", peer.Address).Debugf("Dropping unverifiable %v", msg.Type)
		return
	}

	switch msg.Type {
	case protocol.Ping:
		c.known.ReceivedPing(peer.Address, msg.NodeType, msg.Version, msg.State, msg.Height)
	case protocol.Peers:
		c.known.ReceivedPeers(peer.Address, c.parsePeers(peer.Address, msg.Peers))
	case protocol.GetPeers:
		c.send(peer, protocol.NewPeers(c.keys.PublicKey, c.connectedAddrs()))
	}
}

// parsePeers drops entries that are not ip:port pairs.
func (c *Crawler) parsePeers(source netip.AddrPort, peers []string) []netip.AddrPort {
	addrs := make([]netip.AddrPort, 0, len(peers))
	for _, p := range peers {
		addr, err := netip.ParseAddrPort(p)
		if err != nil {
			c.log.WithField("addr", source).WithError(err).Debug("Ignoring invalid peer address")
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

func (c *Crawler) connected() []*network.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]*network.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	return peers
}

func (c *Crawler) connectedAddrs() []string {
	peers := c.connected()
	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		if len(addrs) == protocol.MaxPeers {
			break
		}
		addrs = append(addrs, p.Address.String())
	}
	sort.Strings(addrs)
	return addrs
}

// NumConnected returns the number of open connections.
func (c *Crawler) NumConnected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

func (c *Crawler) logSummary() {
	s := c.known.Summary()
	fields := logrus.Fields{
		"nodes":    s.NumKnownNodes,
		"links":    s.NumKnownLinks,
		"pending":  s.NodesPendingState,
		"types":    s.Types,
		"versions": s.Versions,
		"states":   s.States,
	}
	if s.AvgHandshakeTimeMs != nil {
		fields["avg_handshake_ms"] = *s.AvgHandshakeTimeMs
	}
	c.log.WithFields(fields).Info("Network summary")
}

// Close drops every connection and waits for in-flight dials to finish.
func (c *Crawler) Close() error {
	c.mu.Lock()
	c.closed = true
	peers := make([]*network.Peer, 0, len(c.peers))
	for addr, p := range c.peers {
		peers = append(peers, p)
		delete(c.peers, addr)
	}
	c.mu.Unlock()

	var err error
	for _, p := range peers {
		err = multierr.Append(err, p.Close())
	}
	c.wg.Wait()
	return err
}
