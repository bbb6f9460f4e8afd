// Package replication replays the local binlog to every other member of
// the storage group. One loop runs per peer and keeps its progress in a
// mark file next to the binlog.
package replication

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/filemesh/filemesh/internal/client"
	"github.com/filemesh/filemesh/pkg/proto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Trackers is the replication engine's view of the tracker cluster.
type Trackers interface {
	// SyncSrcReq asks which member replays old files to destIP. It keeps
	// trying until a tracker answers or ctx is done.
	SyncSrcReq(ctx context.Context, destIP string) (src proto.SyncSource, ok bool, err error)
	// ReportStatus tells every tracker that ip moved to status.
	ReportStatus(ctx context.Context, ip string, status proto.StorageStatus) error
}

// Peer is a connection to another storage node of the group.
type Peer interface {
	SyncCopy(cmd proto.Cmd, group, filename string, r io.Reader, size int64) error
	SyncDelete(group, filename string) error
	LocalIP() string
	Close() error
}

// DialFunc connects to a peer storage node.
type DialFunc func(ctx context.Context, addr string) (Peer, error)

// Binlog is the local log replayed to peers.
type Binlog interface {
	Dir() string
	CurrentIndex() int
}

// Config holds replication settings.
type Config struct {
	Group    string
	Port     int    // storage port shared by the group
	DataDir  string // where replicated files are read from
	Binlog   Binlog
	Trackers Trackers
	Dial     DialFunc
	LocalIPs []string

	NetworkTimeout     time.Duration
	WaitInterval       time.Duration // pause when the binlog has no new records
	RetryInterval      time.Duration // pause between sync passes
	StatusPollInterval time.Duration // wait for a peer to become syncable
	DialRetryInterval  time.Duration
	RateLimit          float64 // records per second per peer; 0 disables

	// OnFatal is called when a loop cannot persist its progress or read
	// the binlog. The process is expected to shut down.
	OnFatal func(error)
	Logger  zerolog.Logger
	Metrics *Metrics
}

// Manager runs one sync loop per peer.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	peers map[string]*peer
	local map[string]bool

	active atomic.Int32

	ctx    context.Context // set by Start
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a replication manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Binlog == nil {
		return nil, errors.New("binlog is required")
	}
	if cfg.Trackers == nil {
		return nil, errors.New("trackers are required")
	}
	if err := proto.ValidateGroupName(cfg.Group); err != nil {
		return nil, err
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = client.DefaultTimeout
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = 200 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 60 * time.Second
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = 10 * time.Second
	}
	if cfg.DialRetryInterval <= 0 {
		cfg.DialRetryInterval = 5 * time.Second
	}
	if cfg.Dial == nil {
		timeout := cfg.NetworkTimeout
		cfg.Dial = func(ctx context.Context, addr string) (Peer, error) {
			c, err := client.Dial(ctx, addr, timeout)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}

	m := &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "replication").Logger(),
		peers:  make(map[string]*peer),
		local:  make(map[string]bool),
	}
	for _, ip := range cfg.LocalIPs {
		m.local[ip] = true
	}
	return m, nil
}

// Start binds the loops to ctx. Peers reported before Start are started
// by it.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	for _, p := range m.peers {
		if !p.started {
			m.startLocked(p)
		}
	}
}

// Stop cancels every loop and waits for them to flush their marks.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// AddLocalIP records an address of this node. Peers at a local address
// are never synced to.
func (m *Manager) AddLocalIP(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local[ip] = true
}

// IsLocal reports whether ip is an address of this node.
func (m *Manager) IsLocal(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local[ip]
}

// UpdatePeers applies a member list pushed by a tracker: unknown peers get
// a sync loop and known peers take the reported status.
func (m *Manager) UpdatePeers(briefs []proto.Brief) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range briefs {
		if b.IP == "" || m.local[b.IP] {
			continue
		}
		if p, ok := m.peers[b.IP]; ok {
			if old := p.setStatus(b.Status); old != b.Status {
				p.logger.Debug().Stringer("from", old).Stringer("to", b.Status).Msg("peer status updated")
			}
			continue
		}
		p := newPeer(m, b.IP, b.Status)
		m.peers[b.IP] = p
		m.logger.Info().Str("peer", b.IP).Stringer("status", b.Status).Msg("peer added")
		if m.ctx != nil && m.ctx.Err() == nil {
			m.startLocked(p)
		}
	}
}

// PeerStatus returns the last known status of ip.
func (m *Manager) PeerStatus(ip string) (proto.StorageStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[ip]
	if !ok {
		return 0, false
	}
	return p.getStatus(), true
}

// Peers returns the brief of every known peer.
func (m *Manager) Peers() []proto.Brief {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]proto.Brief, 0, len(m.peers))
	for ip, p := range m.peers {
		out = append(out, proto.Brief{IP: ip, Status: p.getStatus()})
	}
	return out
}

// ActiveLoops returns the number of running sync loops.
func (m *Manager) ActiveLoops() int {
	return int(m.active.Load())
}

func (m *Manager) startLocked(p *peer) {
	p.started = true
	ctx := m.ctx
	m.wg.Add(1)
	m.loopStarted()
	go func() {
		defer m.wg.Done()
		defer m.loopStopped()
		p.run(ctx)
	}()
}

func (m *Manager) loopStarted() {
	m.active.Add(1)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveLoops.Inc()
	}
}

func (m *Manager) loopStopped() {
	m.active.Add(-1)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveLoops.Dec()
	}
}

func (m *Manager) fatal(err error) {
	m.logger.Error().Err(err).Msg("replication failed, process exit")
	if m.cfg.OnFatal != nil {
		m.cfg.OnFatal(err)
	}
}

func (m *Manager) limiter() *rate.Limiter {
	if m.cfg.RateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(m.cfg.RateLimit), 1)
}

func (m *Manager) peerAddr(ip string) string {
	return net.JoinHostPort(ip, strconv.Itoa(m.cfg.Port))
}
