package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/filemesh/filemesh/internal/binlog"
	"github.com/filemesh/filemesh/internal/client"
	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/replication"
	"github.com/rs/zerolog"
)

// DataDir is the directory under base_path holding files and the binlog.
const DataDir = "data"

// NodeOptions carries the process-level dependencies of a Node.
type NodeOptions struct {
	Logger             zerolog.Logger
	Metrics            *Metrics             // optional
	ReplicationMetrics *replication.Metrics // optional
	Now                func() time.Time
}

// Node is a running storage node: the file server, its binlog, the
// replication loops and one reporter per tracker.
type Node struct {
	cfg     *config.StorageConfig
	logger  zerolog.Logger
	metrics *Metrics

	store  *Store
	binlog *binlog.Writer
	stats  *Stats
	server *Server
	pool   *TrackerPool
	repl   *replication.Manager

	initMu sync.Mutex // serializes the first-join bootstrap

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// NewNode opens the data directory and builds every component. Nothing
// runs until Start.
func NewNode(cfg *config.StorageConfig, opts NodeOptions) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	n := &Node{
		cfg:     cfg,
		logger:  opts.Logger.With().Str("group", cfg.GroupName).Int("port", cfg.Port).Logger(),
		metrics: opts.Metrics,
		stats:   &Stats{},
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	dataDir := filepath.Join(cfg.BasePath, DataDir)
	store, err := NewStore(dataDir, opts.Now)
	if err != nil {
		return nil, err
	}
	n.store = store

	n.binlog, err = binlog.Open(binlog.Config{
		Dir:     filepath.Join(dataDir, binlog.SyncDir),
		MaxSize: cfg.BinlogMaxSize.Bytes(),
		OnFatal: n.fail,
		Logger:  n.logger,
		Now:     opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("open binlog: %w", err)
	}

	n.server, err = NewServer(ServerConfig{
		Listen:         cfg.ListenAddr(),
		Group:          cfg.GroupName,
		NetworkTimeout: cfg.NetworkTimeout,
		MaxConnections: cfg.MaxConnections,
		Store:          store,
		Binlog:         n.binlog,
		Stats:          n.stats,
		Logger:         n.logger,
		Metrics:        opts.Metrics,
		Now:            opts.Now,
	})
	if err != nil {
		_ = n.binlog.Close()
		return nil, err
	}

	n.pool = NewTrackerPool(cfg.TrackerServers, cfg.GroupName, cfg.Port,
		cfg.NetworkTimeout, cfg.HeartBeatInterval, n.dial, n.logger)

	var localIPs []string
	if cfg.BindAddr != "" {
		localIPs = append(localIPs, cfg.BindAddr)
	}
	n.repl, err = replication.NewManager(replication.Config{
		Group:              cfg.GroupName,
		Port:               cfg.Port,
		DataDir:            dataDir,
		Binlog:             n.binlog,
		Trackers:           n.pool,
		Dial:               n.dialPeer,
		LocalIPs:           localIPs,
		NetworkTimeout:     cfg.NetworkTimeout,
		WaitInterval:       cfg.SyncWaitInterval,
		RetryInterval:      cfg.SyncRetryInterval,
		StatusPollInterval: min(10*time.Second, cfg.HeartBeatInterval),
		DialRetryInterval:  min(5*time.Second, cfg.SyncRetryInterval),
		RateLimit:          cfg.SyncRateLimit,
		OnFatal:            n.fail,
		Logger:             n.logger,
		Metrics:            opts.ReplicationMetrics,
	})
	if err != nil {
		_ = n.binlog.Close()
		return nil, err
	}
	return n, nil
}

// dial connects from the configured bind address so trackers and peers
// see the node under the IP it serves on.
func (n *Node) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: n.cfg.NetworkTimeout}
	if n.cfg.BindAddr != "" {
		d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(n.cfg.BindAddr)}
	}
	return d.DialContext(ctx, network, addr)
}

func (n *Node) dialPeer(ctx context.Context, addr string) (replication.Peer, error) {
	conn, err := n.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return client.New(conn, n.cfg.NetworkTimeout), nil
}

// fail records the first fatal error and stops the node.
func (n *Node) fail(err error) {
	n.errMu.Lock()
	if n.err == nil {
		n.err = err
	}
	n.errMu.Unlock()
	n.logger.Error().Err(err).Msg("fatal error, shutting down")
	n.cancel()
}

// Err returns the fatal error that stopped the node, if any.
func (n *Node) Err() error {
	n.errMu.Lock()
	defer n.errMu.Unlock()
	return n.err
}

// Done is closed when the node is stopping.
func (n *Node) Done() <-chan struct{} { return n.ctx.Done() }

// Start begins serving and reporting. Cancelling ctx stops the node's
// background work; Stop must still be called to release resources.
func (n *Node) Start(ctx context.Context) error {
	stop := context.AfterFunc(ctx, n.cancel)
	n.wg.Go(func() {
		<-n.ctx.Done()
		stop()
	})

	if err := n.server.Start(n.ctx); err != nil {
		n.cancel()
		return fmt.Errorf("start storage server: %w", err)
	}
	n.repl.Start(n.ctx)
	for _, addr := range n.cfg.TrackerServers {
		r := &reporter{
			n:      n,
			addr:   addr,
			logger: n.logger.With().Str("tracker", addr).Logger(),
		}
		n.wg.Go(func() { r.run(n.ctx) })
	}
	n.logger.Info().Str("listen", n.server.Addr().String()).Msg("storage node started")
	return nil
}

// Stop quits the trackers, flushes replication marks and closes the
// server and binlog.
func (n *Node) Stop() error {
	n.cancel()
	n.wg.Wait()
	n.repl.Stop()
	var errs []error
	if err := n.server.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := n.binlog.Close(); err != nil && !errors.Is(err, binlog.ErrClosed) {
		errs = append(errs, err)
	}
	n.logger.Info().Msg("storage node stopped")
	return errors.Join(errs...)
}

// Run starts the node and blocks until ctx is done or a fatal error
// occurs.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		_ = n.Stop()
		return err
	}
	<-n.ctx.Done()
	if err := n.Stop(); err != nil {
		return err
	}
	return n.Err()
}

// Addr returns the bound server address.
func (n *Node) Addr() net.Addr { return n.server.Addr() }

// Store returns the node's file area.
func (n *Node) Store() *Store { return n.store }

// Stats returns the node's operation counters.
func (n *Node) Stats() *Stats { return n.stats }

// Replication returns the replication manager.
func (n *Node) Replication() *replication.Manager { return n.repl }
