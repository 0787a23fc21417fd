package topology

import "time"

// Config holds the crawl policy knobs the known network applies.
type Config struct {
	// CrawlInterval is how long to wait before reconnecting to a node that
	// has already reported its state. Compared in whole minutes.
	CrawlInterval time.Duration

	// StaleLinkCutoff is how long a link may go unreported by one of its
	// endpoints before it is dropped. Compared in whole hours.
	StaleLinkCutoff time.Duration

	// MaxConnectionFailures is the number of consecutive failed connection
	// attempts tolerated before a node is forgotten.
	MaxConnectionFailures uint8

	// DesiredPeerSetCount is the number of peer lists to collect from a node
	// before disconnecting from it.
	DesiredPeerSetCount uint8
}

func DefaultConfig() Config {
	return Config{
		CrawlInterval:         30 * time.Minute,
		StaleLinkCutoff:       4 * time.Hour,
		MaxConnectionFailures: 3,
		DesiredPeerSetCount:   3,
	}
}
