package crawler

import (
	"net/netip"
	"time"

	"github.com/busybox42/aegis-crawler/pkg/protocol"
	"github.com/busybox42/aegis-crawler/pkg/topology"
)

type Config struct {
	Topology topology.Config

	// Tick is how often the known network is polled for nodes to connect
	// to and disconnect from.
	Tick time.Duration

	DialTimeout time.Duration

	// SummaryInterval is how often a network summary is logged.
	SummaryInterval time.Duration

	// MaxConcurrentDials caps the connection attempts in flight.
	MaxConcurrentDials int

	Seeds []netip.AddrPort

	// Advertised in the crawler's own Ping.
	NodeType      protocol.NodeType
	Version       uint32
	Height        uint32
	ListeningPort uint16
}

func DefaultConfig() Config {
	return Config{
		Topology:           topology.DefaultConfig(),
		Tick:               10 * time.Second,
		DialTimeout:        10 * time.Second,
		SummaryInterval:    time.Minute,
		MaxConcurrentDials: 100,
		NodeType:           protocol.Client,
	}
}
