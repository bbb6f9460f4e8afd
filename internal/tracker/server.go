// Package tracker implements the tracker service: it accepts connections
// from storage nodes and clients and answers them from the cluster
// directory.
package tracker

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/filemesh/filemesh/internal/cluster"
	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/tcpserver"
	"github.com/filemesh/filemesh/pkg/proto"
	"github.com/rs/zerolog"
)

// Config holds tracker server settings.
type Config struct {
	Listen         string
	NetworkTimeout time.Duration
	MaxConnections int
	Directory      *cluster.Directory
	Logger         zerolog.Logger
	Metrics        *Metrics // optional
	Now            func() time.Time
}

// Server is a tracker.
type Server struct {
	cfg     Config
	dir     *cluster.Directory
	logger  zerolog.Logger
	metrics *Metrics
	tcp     *tcpserver.Server

	observed atomic.Uint64
}

// NewServer creates a tracker serving cfg.Directory.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("directory is required")
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		cfg:     cfg,
		dir:     cfg.Directory,
		logger:  cfg.Logger.With().Str("component", "tracker").Logger(),
		metrics: cfg.Metrics,
	}
	s.tcp = tcpserver.New(tcpserver.Config{
		Addr:           cfg.Listen,
		MaxConnections: cfg.MaxConnections,
		Logger:         s.logger,
	}, s)
	return s, nil
}

// Open builds a tracker from its config file settings, restoring the
// saved storage roster from the base path.
func Open(cfg *config.TrackerConfig, logger zerolog.Logger, m *Metrics) (*Server, error) {
	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}
	roster := cluster.NewFileRoster(cfg.BasePath)
	dir := cluster.New(cluster.Config{
		Policy:     cfg.Policy(),
		StoreGroup: cfg.StoreGroup,
		ReservedMB: cfg.ReservedStorageSpace.MB(),
		Persister:  roster,
		Logger:     logger,
	})
	groups, err := roster.Load()
	if err != nil {
		return nil, err
	}
	if len(groups) > 0 {
		dir.Restore(groups)
	}
	return NewServer(Config{
		Listen:         cfg.Listen,
		NetworkTimeout: cfg.NetworkTimeout,
		MaxConnections: cfg.MaxConnections,
		Directory:      dir,
		Logger:         logger,
		Metrics:        m,
	})
}

// Directory returns the directory the tracker serves.
func (s *Server) Directory() *cluster.Directory { return s.dir }

// Start begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.observe()
	return s.tcp.Start(ctx)
}

// Stop closes all sessions and saves the roster.
func (s *Server) Stop() error {
	err := s.tcp.Stop()
	if saveErr := s.dir.Save(); saveErr != nil && err == nil {
		err = saveErr
	}
	return err
}

// Serve runs the tracker until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.tcp.Addr() }

// ServeConn runs one session.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
		defer s.metrics.ActiveSessions.Dec()
	}
	newSession(s, conn).run(ctx)
}

// observe refreshes directory gauges when a new generation was published.
func (s *Server) observe() {
	if s.metrics == nil {
		return
	}
	snap := s.dir.Current()
	if prev := s.observed.Swap(snap.Generation); prev == snap.Generation && prev != 0 {
		return
	}
	counts := make(map[proto.StorageStatus]int)
	for _, g := range snap.Groups {
		for _, st := range g.Storages {
			counts[st.Status]++
		}
	}
	for st := proto.StatusInit; st <= proto.StatusActive; st++ {
		s.metrics.Storages.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
	s.metrics.Groups.Set(float64(len(snap.Groups)))
	s.metrics.Generation.Set(float64(snap.Generation))
}
