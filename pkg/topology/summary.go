package topology

import (
	"fmt"
	"strings"
	"time"

	"github.com/busybox42/aegis-crawler/pkg/protocol"
)

// NetworkSummary aggregates the state of the known nodes.
type NetworkSummary struct {
	NumKnownNodes     int `json:"num_known_nodes"`
	NumKnownLinks     int `json:"num_known_links"`
	NodesPendingState int `json:"nodes_pending_state"`

	// Histograms over the nodes that have reported their state.
	Types    map[protocol.NodeType]int `json:"types"`
	Versions map[uint32]int            `json:"versions"`
	States   map[protocol.State]int    `json:"states"`
	Heights  map[uint32]int            `json:"heights"`

	// AvgHandshakeTimeMs is nil when no handshake has completed yet.
	AvgHandshakeTimeMs *int64 `json:"avg_handshake_time_ms,omitempty"`
}

// Summary returns a summary of a snapshot of the known nodes.
func (k *KnownNetwork) Summary() NetworkSummary {
	nodes := k.Nodes()

	s := NetworkSummary{
		NumKnownNodes: len(nodes),
		Types:         make(map[protocol.NodeType]int),
		Versions:      make(map[uint32]int),
		States:        make(map[protocol.State]int),
		Heights:       make(map[uint32]int),
	}

	var (
		total      time.Duration
		handshakes int64
	)
	for _, meta := range nodes {
		if state, ok := meta.State(); ok {
			s.Types[state.NodeType]++
			s.Versions[state.Version]++
			s.States[state.State]++
			s.Heights[state.Height]++
		} else {
			s.NodesPendingState++
		}
		if d, ok := meta.HandshakeTime(); ok {
			total += d
			handshakes++
		}
	}

	s.NumKnownLinks = k.links.Len()
	if handshakes > 0 {
		avg := total.Milliseconds() / handshakes
		s.AvgHandshakeTimeMs = &avg
	}

	return s
}

func (s NetworkSummary) String() string {
	var b strings.Builder
	b.WriteString("Network summary {")
	fmt.Fprintf(&b, " number of known nodes: %d,", s.NumKnownNodes)
	fmt.Fprintf(&b, " number of known links: %d,", s.NumKnownLinks)
	fmt.Fprintf(&b, " nodes pending state: %d,", s.NodesPendingState)
	fmt.Fprintf(&b, " types: %v,", s.Types)
	fmt.Fprintf(&b, " versions: %v,", s.Versions)
	fmt.Fprintf(&b, " states: %v,", s.States)
	fmt.Fprintf(&b, " heights: %v,", s.Heights)
	if s.AvgHandshakeTimeMs != nil {
		fmt.Fprintf(&b, " average handshake time (in ms): %d", *s.AvgHandshakeTimeMs)
	} else {
		b.WriteString(" average handshake time (in ms): none")
	}
	b.WriteString(" }")
	return b.String()
}
