package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/filemesh/filemesh/internal/binlog"
	"github.com/filemesh/filemesh/internal/tcpserver"
	"github.com/filemesh/filemesh/pkg/proto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BinlogWriter records file operations for replication.
type BinlogWriter interface {
	Write(op binlog.Op, filename string) error
}

// ServerConfig holds storage server settings.
type ServerConfig struct {
	Listen         string
	Group          string
	NetworkTimeout time.Duration
	MaxConnections int
	Store          *Store
	Binlog         BinlogWriter
	Stats          *Stats
	Logger         zerolog.Logger
	Metrics        *Metrics // optional
	Now            func() time.Time
}

// Server serves file operations from clients and peer storage nodes.
type Server struct {
	cfg     ServerConfig
	store   *Store
	binlog  BinlogWriter
	stats   *Stats
	logger  zerolog.Logger
	metrics *Metrics
	tcp     *tcpserver.Server
}

// NewServer creates a storage server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil || cfg.Binlog == nil {
		return nil, errors.New("store and binlog are required")
	}
	if err := proto.ValidateGroupName(cfg.Group); err != nil {
		return nil, err
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 30 * time.Second
	}
	if cfg.Stats == nil {
		cfg.Stats = &Stats{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		cfg:     cfg,
		store:   cfg.Store,
		binlog:  cfg.Binlog,
		stats:   cfg.Stats,
		logger:  cfg.Logger.With().Str("component", "storage").Logger(),
		metrics: cfg.Metrics,
	}
	s.tcp = tcpserver.New(tcpserver.Config{
		Addr:           cfg.Listen,
		MaxConnections: cfg.MaxConnections,
		Logger:         s.logger,
	}, s)
	return s, nil
}

// Start begins accepting connections.
func (s *Server) Start(ctx context.Context) error { return s.tcp.Start(ctx) }

// Stop closes the listener and all connections.
func (s *Server) Stop() error { return s.tcp.Stop() }

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.tcp.Addr() }

// ServeConn runs one connection.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
		defer s.metrics.ActiveSessions.Dec()
	}
	sess := &session{
		srv:  s,
		conn: proto.NewConn(conn, s.cfg.NetworkTimeout),
		logger: s.logger.With().
			Str("session", uuid.NewString()).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
	sess.run(ctx)
}

// session is one client or peer connection.
type session struct {
	srv     *Server
	conn    *proto.Conn
	logger  zerolog.Logger
	handled int
}

func (c *session) run(ctx context.Context) {
	for ctx.Err() == nil {
		hdr, err := proto.ReadHeader(c.conn)
		if err != nil {
			if errors.Is(err, proto.ErrIdle) && c.handled > 0 {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, proto.ErrIdle) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug().Err(err).Msg("read header failed")
			}
			return
		}
		c.handled++

		keep, err := c.dispatch(hdr)
		if err != nil {
			c.logger.Warn().Err(err).Stringer("cmd", hdr.Cmd).Msg("connection aborted")
			return
		}
		if !keep {
			return
		}
	}
}

func (c *session) dispatch(h proto.Header) (bool, error) {
	switch h.Cmd {
	case proto.CmdUpload:
		return c.handleUpload(h)
	case proto.CmdDownload:
		return c.handleDownload(h)
	case proto.CmdDelete:
		return c.handleDelete(h)
	case proto.CmdSetMeta:
		return c.handleSetMeta(h)
	case proto.CmdGetMeta:
		return c.handleGetMeta(h)
	case proto.CmdSyncCreate:
		return c.handleSyncCopy(h, binlog.OpReplicaCreate)
	case proto.CmdSyncUpdate:
		return c.handleSyncCopy(h, binlog.OpReplicaUpdate)
	case proto.CmdSyncDelete:
		return c.handleSyncDelete(h)
	case proto.CmdQuit:
		return false, nil
	}
	c.logger.Warn().Stringer("cmd", h.Cmd).Int64("length", h.Length).Msg("unknown command")
	c.count(h.Cmd, 0)
	return false, nil
}

// respond writes a STORAGE_CMD_RESP. EINVAL responses end the
// connection since the rest of the request may not have been read.
func (c *session) respond(cmd proto.Cmd, reqErr error, body []byte) (bool, error) {
	status := proto.StatusOf(reqErr)
	if reqErr != nil {
		body = nil
		c.logger.Debug().Err(reqErr).Stringer("cmd", cmd).Msg("request failed")
	}
	c.count(cmd, status)
	if err := proto.WritePacket(c.conn, proto.CmdStorageCmdResp, status, body); err != nil {
		return false, err
	}
	return syscall.Errno(status) != syscall.EINVAL, nil
}

// fail answers a request whose body could not be read. Transport errors
// end the connection without a response.
func (c *session) fail(cmd proto.Cmd, err error) (bool, error) {
	var se *proto.StatusError
	if errors.As(err, &se) {
		return c.respond(cmd, err, nil)
	}
	return false, err
}

func (c *session) count(cmd proto.Cmd, status byte) {
	if c.srv.metrics != nil {
		c.srv.metrics.Commands.WithLabelValues(cmd.String(), strconv.Itoa(int(status))).Inc()
	}
}

func (c *session) countBytes(direction string, n int64) {
	if c.srv.metrics != nil && n > 0 {
		c.srv.metrics.Bytes.WithLabelValues(direction).Add(float64(n))
	}
}
