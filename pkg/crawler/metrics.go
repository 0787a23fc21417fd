package crawler

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/busybox42/aegis-crawler/pkg/topology"
)

const namespace = "crawler"

// Collector exports a network summary on every scrape.
type Collector struct {
	known *topology.KnownNetwork

	nodes     *prometheus.Desc
	links     *prometheus.Desc
	pending   *prometheus.Desc
	versions  *prometheus.Desc
	types     *prometheus.Desc
	states    *prometheus.Desc
	handshake *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(known *topology.KnownNetwork) *Collector {
	return &Collector{
		known: known,
		nodes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "known_nodes"),
			"Number of known nodes.", nil, nil),
		links: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "known_links"),
			"Number of known links between nodes.", nil, nil),
		pending: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "pending_nodes"),
			"Number of nodes that have not reported their state yet.", nil, nil),
		versions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "nodes_by_version"),
			"Number of nodes per reported protocol version.", []string{"version"}, nil),
		types: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "nodes_by_type"),
			"Number of nodes per reported node type.", []string{"type"}, nil),
		states: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "nodes_by_state"),
			"Number of nodes per reported state.", []string{"state"}, nil),
		handshake: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "avg_handshake_ms"),
			"Average handshake time in milliseconds.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodes
	ch <- c.links
	ch <- c.pending
	ch <- c.versions
	ch <- c.types
	ch <- c.states
	ch <- c.handshake
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.known.Summary()

	ch <- prometheus.MustNewConstMetric(c.nodes, prometheus.GaugeValue, float64(s.NumKnownNodes))
	ch <- prometheus.MustNewConstMetric(c.links, prometheus.GaugeValue, float64(s.NumKnownLinks))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.NodesPendingState))

	for v, n := range s.Versions {
		ch <- prometheus.MustNewConstMetric(c.versions, prometheus.GaugeValue, float64(n), strconv.FormatUint(uint64(v), 10))
	}
	for t, n := range s.Types {
		ch <- prometheus.MustNewConstMetric(c.types, prometheus.GaugeValue, float64(n), t.String())
	}
	for st, n := range s.States {
		ch <- prometheus.MustNewConstMetric(c.states, prometheus.GaugeValue, float64(n), st.String())
	}
	if s.AvgHandshakeTimeMs != nil {
		ch <- prometheus.MustNewConstMetric(c.handshake, prometheus.GaugeValue, float64(*s.AvgHandshakeTimeMs))
	}
}
