package tor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Config controls the embedded Tor process.
type Config struct {
	// SocksPort is the local SOCKS5 port. Zero picks a free one.
	SocksPort int

	// DataDir is kept across runs when set; otherwise a temporary directory
	// is used and removed on Stop.
	DataDir string

	// BootstrapTimeout bounds how long to wait for Tor to come up.
	BootstrapTimeout time.Duration
}

// Manager owns an embedded Tor process used to crawl through Tor.
type Manager struct {
	instance  *tor.Tor
	SocksAddr string
	DataDir   string
	log       *logrus.Entry
}

// Start launches Tor, enables networking and waits until its SOCKS5 proxy
// accepts connections.
func Start(ctx context.Context, cfg Config, log *logrus.Entry) (*Manager, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "tor")

	if cfg.BootstrapTimeout == 0 {
		cfg.BootstrapTimeout = 3 * time.Minute
	}

	port := cfg.SocksPort
	if port == 0 {
		p, err := freePort()
		if err != nil {
			return nil, fmt.Errorf("failed to pick SOCKS port: %w", err)
		}
		port = p
	}

	conf := &tor.StartConf{
		DataDir:         cfg.DataDir,
		NoAutoSocksPort: true,
		ExtraArgs:       []string{"--SocksPort", strconv.Itoa(port)},
	}

	log.Infof("Starting embedded Tor with SOCKS port %d", port)
	t, err := tor.Start(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to start Tor: %w", err)
	}

	bootCtx, cancel := context.WithTimeout(ctx, cfg.BootstrapTimeout)
	defer cancel()

	if err := t.EnableNetwork(bootCtx, true); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to enable Tor network: %w", err)
	}

	socksAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	if err := waitForSocks5Proxy(bootCtx, socksAddr); err != nil {
		t.Close()
		return nil, err
	}

	log.Info("Tor is ready")
	return &Manager{
		instance:  t,
		SocksAddr: socksAddr,
		DataDir:   t.DataDir,
		log:       log,
	}, nil
}

// Dialer returns a SOCKS5 dialer that routes connections through Tor.
func (m *Manager) Dialer() (proxy.Dialer, error) {
	dialer, err := proxy.SOCKS5("tcp", m.SocksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	return dialer, nil
}

// Stop shuts Tor down. Temporary data directories are removed by bine.
func (m *Manager) Stop() error {
	if m.instance == nil {
		return nil
	}
	m.log.Info("Stopping Tor")
	return m.instance.Close()
}

// freePort asks the kernel for an unused local TCP port.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func waitForSocks5Proxy(ctx context.Context, address string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", address, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("SOCKS5 proxy did not start on %s: %w", address, ctx.Err())
		case <-ticker.C:
		}
	}
}
