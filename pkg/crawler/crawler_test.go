package crawler

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/busybox42/aegis-crawler/pkg/crypto"
	"github.com/busybox42/aegis-crawler/pkg/network"
	"github.com/busybox42/aegis-crawler/pkg/protocol"
	"github.com/busybox42/aegis-crawler/pkg/topology"
)

// fakeNode answers Ping with its own state and GetPeers with a fixed list.
type fakeNode struct {
	addr  netip.AddrPort
	keys  *crypto.KeyPair
	peers []string
}

func startFakeNode(t *testing.T, peers []string) *fakeNode {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	n := &fakeNode{
		addr:  listener.Addr().(*net.TCPAddr).AddrPort(),
		keys:  keys,
		peers: peers,
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			remote := conn.RemoteAddr().(*net.TCPAddr).AddrPort()
			peer := network.NewPeer(remote, conn, n.handle)
			t.Cleanup(func() { peer.Close() })
		}
	}()
	return n
}

func (n *fakeNode) handle(p *network.Peer, msg *protocol.Message) {
	var reply *protocol.Message
	switch msg.Type {
	case protocol.Ping:
		reply = protocol.NewPing(n.keys.PublicKey, protocol.Beacon, 12, protocol.Ready, 777, n.addr.Port())
	case protocol.GetPeers:
		reply = protocol.NewPeers(n.keys.PublicKey, n.peers)
	default:
		return
	}
	reply.Sign(n.keys.PrivateKey)
	p.Send(reply)
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr).AddrPort()
	ln.Close()
	return addr
}

func newTestCrawler(t *testing.T) (*Crawler, *topology.KnownNetwork, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2022, 3, 1, 12, 0, 0, 0, time.UTC))

	cfg := DefaultConfig()
	cfg.DialTimeout = time.Second

	known := topology.New(cfg.Topology, topology.WithClock(mock))
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	c := New(cfg, known, proxy.Direct, keys, WithClock(mock), WithLogger(logrus.NewEntry(log)))
	t.Cleanup(func() { c.Close() })
	return c, known, mock
}

func TestCrawlCycle(t *testing.T) {
	unreachable := closedAddr(t)
	node := startFakeNode(t, []string{unreachable.String(), "not-an-address"})

	c, known, _ := newTestCrawler(t)
	ctx := context.Background()

	known.AddNode(node.addr)
	c.Tick(ctx)

	// The handshake yields the node's state and a first peer list.
	require.Eventually(t, func() bool {
		meta := known.Nodes()[node.addr]
		return !meta.Pending() && meta.ReceivedPeerSets() == 1
	}, 5*time.Second, 10*time.Millisecond)

	state, _ := known.Nodes()[node.addr].State()
	require.Equal(t, topology.NodeState{NodeType: protocol.Beacon, Version: 12, Height: 777, State: protocol.Ready}, state)
	_, ok := known.GetLink(node.addr, unreachable)
	require.True(t, ok)
	require.Len(t, known.Links(), 1, "invalid peer entries are dropped")
	_, hs := known.Nodes()[node.addr].HandshakeTime()
	require.True(t, hs)

	// Each tick asks connected nodes for their peers again.
	for want := uint8(2); want <= c.cfg.Topology.DesiredPeerSetCount; want++ {
		c.Tick(ctx)
		require.Eventually(t, func() bool {
			return known.Nodes()[node.addr].ReceivedPeerSets() >= want
		}, 5*time.Second, 10*time.Millisecond)
	}

	// The unreachable peer was attempted and failed.
	require.Eventually(t, func() bool {
		return known.Nodes()[unreachable].ConnectionFailures() > 0
	}, 5*time.Second, 10*time.Millisecond)

	// Fully crawled nodes are dropped.
	require.Equal(t, 1, c.NumConnected())
	c.Tick(ctx)
	require.Equal(t, 0, c.NumConnected())
	require.Zero(t, known.Nodes()[node.addr].ReceivedPeerSets())
}

func TestCrawlerRespectsRefreshInterval(t *testing.T) {
	node := startFakeNode(t, nil)
	c, known, mock := newTestCrawler(t)
	ctx := context.Background()

	known.ReceivedPing(node.addr, protocol.Client, 1, protocol.Ready, 1)
	c.Tick(ctx)
	require.Zero(t, c.NumConnected(), "recently crawled nodes are left alone")

	mock.Add(c.cfg.Topology.CrawlInterval + time.Minute)
	c.Tick(ctx)
	require.Eventually(t, func() bool { return c.NumConnected() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestHandleMessageDropsUnverified(t *testing.T) {
	c, known, _ := newTestCrawler(t)
	addr := netip.MustParseAddrPort("11.11.11.11:4132")

	keys, _ := crypto.GenerateKeyPair()
	msg := protocol.NewPing(keys.PublicKey, protocol.Miner, 1, protocol.Mining, 5, 4132)

	c.handleMessage(&network.Peer{Address: addr}, msg)
	require.Empty(t, known.Nodes())

	require.NoError(t, msg.Sign(keys.PrivateKey))
	c.handleMessage(&network.Peer{Address: addr}, msg)
	require.False(t, known.Nodes()[addr].Pending())
}

func TestParsePeers(t *testing.T) {
	c, _, _ := newTestCrawler(t)
	source := netip.MustParseAddrPort("11.11.11.11:4132")

	got := c.parsePeers(source, []string{"22.22.22.22:4132", "bogus", "[2001:db8::1]:4133", "33.33.33.33"})
	require.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("22.22.22.22:4132"),
		netip.MustParseAddrPort("[2001:db8::1]:4133"),
	}, got)
}

func TestRunStopsOnCancel(t *testing.T) {
	node := startFakeNode(t, nil)
	c, known, _ := newTestCrawler(t)
	c.cfg.Seeds = []netip.AddrPort{node.addr}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.NumConnected() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Contains(t, known.Nodes(), node.addr)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Zero(t, c.NumConnected())
}
