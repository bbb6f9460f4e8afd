package tracker

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"

	"github.com/filemesh/filemesh/internal/cluster"
	"github.com/filemesh/filemesh/pkg/proto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type sessionState int

const (
	stateNew sessionState = iota
	stateJoined
	stateActive
)

func (s sessionState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateJoined:
		return "joined"
	case stateActive:
		return "active"
	}
	return "unknown"
}

// session is one tracker connection. A storage node identifies itself with
// JOIN; the session then carries its group and the group version last
// pushed to it.
type session struct {
	srv    *Server
	conn   *proto.Conn
	ip     string
	logger zerolog.Logger

	state       sessionState
	group       string
	snap        *cluster.Snapshot
	lastVersion int64
	handled     int
}

func newSession(srv *Server, conn net.Conn) *session {
	ip := remoteIP(conn)
	return &session{
		srv:  srv,
		conn: proto.NewConn(conn, srv.cfg.NetworkTimeout),
		ip:   ip,
		logger: srv.logger.With().
			Str("session", uuid.NewString()).
			Str("remote", ip).
			Logger(),
		snap:        srv.dir.Current(),
		lastVersion: -1,
	}
}

func remoteIP(conn net.Conn) string {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func (s *session) run(ctx context.Context) {
	s.logger.Debug().Msg("session started")
	quit := false

	for ctx.Err() == nil {
		hdr, err := proto.ReadHeader(s.conn)
		if err != nil {
			if errors.Is(err, proto.ErrIdle) && s.handled > 0 {
				continue
			}
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, proto.ErrIdle), errors.Is(err, net.ErrClosed):
				s.logger.Debug().Err(err).Msg("session closed")
			default:
				s.logger.Warn().Err(err).Msg("read header failed")
			}
			break
		}
		s.handled++
		s.refresh()

		keep, err := s.dispatch(hdr)
		s.srv.observe()
		if err != nil {
			s.logger.Warn().Err(err).Stringer("cmd", hdr.Cmd).Msg("session aborted")
			break
		}
		if hdr.Cmd == proto.CmdQuit {
			quit = true
		}
		if !keep {
			break
		}
	}

	if !quit && s.state != stateNew && ctx.Err() == nil {
		if err := s.srv.dir.OfflineStorage(s.group, s.ip); err != nil {
			s.logger.Warn().Err(err).Msg("failed to mark storage offline")
		}
		s.srv.observe()
	}
	s.logger.Debug().Int("commands", s.handled).Stringer("state", s.state).Msg("session ended")
}

// refresh swaps a superseded snapshot for the current one.
func (s *session) refresh() {
	if s.snap.Dirty() {
		s.snap = s.srv.dir.Current()
	}
}

// dispatch handles one command. keep is false when the connection must be
// closed after the response.
func (s *session) dispatch(h proto.Header) (keep bool, err error) {
	switch h.Cmd {
	case proto.CmdJoin:
		return s.handleJoin(h)
	case proto.CmdQuit:
		return false, nil
	case proto.CmdBeat:
		return s.requireJoined(h, s.handleBeat)
	case proto.CmdReport:
		return s.requireJoined(h, s.handleReport)
	case proto.CmdReplicaChg:
		return s.requireJoined(h, s.handleReplicaChg)
	case proto.CmdSyncSrcReq:
		return s.requireJoined(h, s.handleSyncSrcReq)
	case proto.CmdSyncDestReq:
		return s.requireJoined(h, s.handleSyncDestReq)
	case proto.CmdSyncNotify:
		return s.requireJoined(h, s.handleSyncNotify)
	case proto.CmdQueryStore:
		return s.handleQueryStore(h)
	case proto.CmdQueryFetch:
		return s.handleQueryFetch(h)
	case proto.CmdListGroup:
		return s.handleListGroups(h)
	case proto.CmdListStorage:
		return s.handleListStorages(h)
	}
	s.logger.Warn().Stringer("cmd", h.Cmd).Int64("length", h.Length).Msg("unknown command")
	s.count(h.Cmd, 0)
	return false, nil
}

func (s *session) requireJoined(h proto.Header, fn func(proto.Header) (bool, error)) (bool, error) {
	if s.state == stateNew {
		s.logger.Warn().Stringer("cmd", h.Cmd).Msg("command before join")
		return s.respond(proto.CmdStorageResp, proto.Statusf(syscall.EACCES, "%s before join", h.Cmd), nil)
	}
	return fn(h)
}

// readBody reads a request body whose length must satisfy ok.
func (s *session) readBody(h proto.Header, ok func(n int64) bool) ([]byte, error) {
	if !ok(h.Length) {
		return nil, proto.Statusf(syscall.EINVAL, "%s: unexpected body length %d", h.Cmd, h.Length)
	}
	return proto.ReadBody(s.conn, h, nil)
}

func exactly(n int64) func(int64) bool {
	return func(l int64) bool { return l == n }
}

// respond writes a response. A failed request carries no body. EINVAL and
// EACCES responses end the session.
func (s *session) respond(cmd proto.Cmd, reqErr error, body []byte) (bool, error) {
	status := proto.StatusOf(reqErr)
	if reqErr != nil {
		body = nil
		s.logger.Debug().Err(reqErr).Stringer("cmd", cmd).Msg("request failed")
	}
	s.count(cmd, status)
	if err := proto.WritePacket(s.conn, cmd, status, body); err != nil {
		return false, err
	}
	switch syscall.Errno(status) {
	case syscall.EINVAL, syscall.EACCES:
		return false, nil
	}
	return true, nil
}

// fail answers a request whose body could not be read. Transport errors
// end the session without a response.
func (s *session) fail(cmd proto.Cmd, err error) (bool, error) {
	var se *proto.StatusError
	if errors.As(err, &se) {
		return s.respond(cmd, err, nil)
	}
	return false, err
}

func (s *session) count(cmd proto.Cmd, status byte) {
	if s.srv.metrics != nil {
		s.srv.metrics.Commands.WithLabelValues(cmd.String(), strconv.Itoa(int(status))).Inc()
	}
}

// checkAndSync answers a storage command. When the group changed since the
// last response on this session the full member list is attached.
func (s *session) checkAndSync(reqErr error) (bool, error) {
	if reqErr != nil {
		return s.respond(proto.CmdStorageResp, reqErr, nil)
	}
	s.refresh()
	g := s.snap.Group(s.group)
	if g == nil || g.Version == s.lastVersion {
		return s.respond(proto.CmdStorageResp, nil, nil)
	}
	body := proto.EncodeBriefs(g.Briefs())
	keep, err := s.respond(proto.CmdStorageResp, nil, body)
	if err == nil {
		s.lastVersion = g.Version
	}
	return keep, err
}
