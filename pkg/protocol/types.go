package protocol

import "fmt"

// NodeType is the role a node claims to play in the network.
type NodeType uint8

const (
	Client NodeType = iota
	Miner
	Beacon
	Sync
	Operator
	Prover
)

func (t NodeType) String() string {
	switch t {
	case Client:
		return "client"
	case Miner:
		return "miner"
	case Beacon:
		return "beacon"
	case Sync:
		return "sync"
	case Operator:
		return "operator"
	case Prover:
		return "prover"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// State is the coarse lifecycle phase a node reports to its peers.
type State uint8

const (
	Ready State = iota
	Mining
	Peering
	Syncing
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Mining:
		return "mining"
	case Peering:
		return "peering"
	case Syncing:
		return "syncing"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}
