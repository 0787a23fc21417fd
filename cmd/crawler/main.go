package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/proxy"

	"github.com/busybox42/aegis-crawler/pkg/crawler"
	"github.com/busybox42/aegis-crawler/pkg/crypto"
	"github.com/busybox42/aegis-crawler/pkg/topology"
	"github.com/busybox42/aegis-crawler/pkg/tor"
)

var log = logrus.New()

func initLogger(level string) error {
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}

type options struct {
	keyFile     string
	useTor      bool
	metricsAddr string
	logLevel    string
	crawler     crawler.Config
}

func parseFlags(args []string) (options, error) {
	opts := options{crawler: crawler.DefaultConfig()}
	cfg := &opts.crawler

	fs := flag.NewFlagSet("crawler", flag.ContinueOnError)
	seeds := fs.String("seeds", "", "Comma separated list of ip:port seed nodes")
	fs.StringVar(&opts.keyFile, "key", filepath.Join(os.Getenv("HOME"), ".aegis-crawler", "crawler.key"), "Path of the crawler's signing key")
	fs.BoolVar(&opts.useTor, "tor", false, "Crawl through an embedded Tor instance")
	fs.StringVar(&opts.metricsAddr, "metrics", "", "Address to serve Prometheus metrics on (disabled when empty)")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level")
	fs.DurationVar(&cfg.Tick, "tick", cfg.Tick, "How often to look for nodes to connect to")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Connection attempt timeout")
	fs.DurationVar(&cfg.SummaryInterval, "summary-interval", cfg.SummaryInterval, "How often to log a network summary")
	fs.IntVar(&cfg.MaxConcurrentDials, "max-dials", cfg.MaxConcurrentDials, "Maximum connection attempts in flight")
	fs.DurationVar(&cfg.Topology.CrawlInterval, "crawl-interval", cfg.Topology.CrawlInterval, "Time before reconnecting to a crawled node")
	fs.DurationVar(&cfg.Topology.StaleLinkCutoff, "stale-link-cutoff", cfg.Topology.StaleLinkCutoff, "Time before an unreported link is dropped")
	maxFailures := fs.Uint("max-failures", uint(cfg.Topology.MaxConnectionFailures), "Consecutive connection failures before a node is forgotten")
	peerSets := fs.Uint("desired-peer-sets", uint(cfg.Topology.DesiredPeerSetCount), "Peer lists to collect from a node before disconnecting")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if *maxFailures > 255 || *peerSets > 255 {
		return opts, errors.New("max-failures and desired-peer-sets must be at most 255")
	}
	cfg.Topology.MaxConnectionFailures = uint8(*maxFailures)
	cfg.Topology.DesiredPeerSetCount = uint8(*peerSets)

	if *seeds != "" {
		for _, s := range strings.Split(*seeds, ",") {
			addr, err := netip.ParseAddrPort(strings.TrimSpace(s))
			if err != nil {
				return opts, fmt.Errorf("invalid seed %q: %w", s, err)
			}
			cfg.Seeds = append(cfg.Seeds, addr)
		}
	}

	return opts, nil
}

type crawlerServer struct {
	keys       *crypto.KeyPair
	known      *topology.KnownNetwork
	crawler    *crawler.Crawler
	torManager *tor.Manager
	metrics    *http.Server
	metricsLn  net.Listener
}

func newCrawlerServer(ctx context.Context, opts options) (*crawlerServer, error) {
	srv := &crawlerServer{}

	if err := srv.initializeKeys(opts.keyFile); err != nil {
		return nil, fmt.Errorf("failed to initialize keys: %w", err)
	}

	var dialer proxy.Dialer = proxy.Direct
	if opts.useTor {
		d, err := srv.initializeTor(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Tor: %w", err)
		}
		dialer = d
	}

	entry := logrus.NewEntry(log)
	srv.known = topology.New(opts.crawler.Topology, topology.WithLogger(entry.WithField("component", "topology")))
	srv.crawler = crawler.New(opts.crawler, srv.known, dialer, srv.keys, crawler.WithLogger(entry))

	if opts.metricsAddr != "" {
		if err := srv.initializeMetrics(opts.metricsAddr); err != nil {
			srv.Shutdown()
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	log.Info("Crawler initialized successfully")
	return srv, nil
}

func (srv *crawlerServer) initializeKeys(path string) error {
	log.Infof("Loading keys from %s", path)
	keys, err := crypto.LoadOrGenerate(path)
	if err != nil {
		return err
	}
	srv.keys = keys
	return nil
}

func (srv *crawlerServer) initializeTor(ctx context.Context) (proxy.Dialer, error) {
	log.Info("Initializing Tor")
	m, err := tor.Start(ctx, tor.Config{}, logrus.NewEntry(log))
	if err != nil {
		return nil, err
	}
	srv.torManager = m

	dialer, err := m.Dialer()
	if err != nil {
		return nil, err
	}
	log.Infof("Crawling through Tor via %s", m.SocksAddr)
	return dialer, nil
}

func (srv *crawlerServer) initializeMetrics(addr string) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(crawler.NewCollector(srv.known)); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv.metricsLn = ln
	srv.metrics = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()

	log.Infof("Serving metrics on %s", ln.Addr())
	return nil
}

func (srv *crawlerServer) Run(ctx context.Context) error {
	return srv.crawler.Run(ctx)
}

func (srv *crawlerServer) Shutdown() error {
	var err error
	if srv.crawler != nil {
		err = multierr.Append(err, srv.crawler.Close())
	}
	if srv.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, srv.metrics.Shutdown(ctx))
		cancel()
	}
	if srv.torManager != nil {
		err = multierr.Append(err, srv.torManager.Stop())
	}
	return err
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := initLogger(opts.logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if len(opts.crawler.Seeds) == 0 {
		log.Fatal("At least one seed is required, see -seeds")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newCrawlerServer(ctx, opts)
	if err != nil {
		log.Fatalf("Failed to start crawler: %v", err)
	}

	log.Info("Crawler is running")
	if err := srv.Run(ctx); err != nil {
		log.Errorf("Crawler stopped with error: %v", err)
	}

	if err := srv.Shutdown(); err != nil {
		log.Errorf("Error during shutdown: %v", err)
	}
	log.Info("Crawler stopped")
}
