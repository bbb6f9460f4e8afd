package replication

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/filemesh/filemesh/internal/binlog"
	"github.com/filemesh/filemesh/pkg/proto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// markFlushRows is the number of scanned records between mark writes.
const markFlushRows = 100

// errSelfSync stops a loop whose peer turned out to be this node.
var errSelfSync = errors.New("peer address belongs to this node")

type peer struct {
	m       *Manager
	ip      string
	logger  zerolog.Logger
	status  atomic.Uint32
	started bool // guarded by Manager.mu

	markPath    string
	mark        binlog.Mark
	lastWritten int64
	reader      *binlog.Reader
	limiter     *rate.Limiter
}

func newPeer(m *Manager, ip string, status proto.StorageStatus) *peer {
	p := &peer{
		m:        m,
		ip:       ip,
		logger:   m.logger.With().Str("peer", ip).Logger(),
		markPath: binlog.MarkPath(m.cfg.Binlog.Dir(), ip, m.cfg.Port),
		limiter:  m.limiter(),
	}
	p.status.Store(uint32(status))
	return p
}

func (p *peer) getStatus() proto.StorageStatus {
	return proto.StorageStatus(p.status.Load())
}

func (p *peer) setStatus(s proto.StorageStatus) proto.StorageStatus {
	return proto.StorageStatus(p.status.Swap(uint32(s)))
}

func syncable(s proto.StorageStatus) bool {
	return s == proto.StatusActive || s == proto.StatusWaitSync || s == proto.StatusSyncing
}

// run syncs the peer in passes until ctx is done.
func (p *peer) run(ctx context.Context) {
	p.logger.Info().Msg("sync loop started")
	defer p.logger.Info().Msg("sync loop stopped")

	for ctx.Err() == nil {
		err := p.pass(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errSelfSync) {
			p.logger.Error().Msg("peer address belongs to this node, sync loop exit")
			return
		}
		if err != nil {
			p.m.fatal(fmt.Errorf("sync to %s: %w", p.ip, err))
			return
		}
		if !sleep(ctx, p.m.cfg.RetryInterval) {
			return
		}
	}
}

// pass runs one connection's worth of syncing. A nil error means the pass
// ended on a peer failure and should be retried.
func (p *peer) pass(ctx context.Context) (err error) {
	if err := p.openReader(ctx); err != nil {
		return err
	}
	defer func() {
		if flushErr := p.flush(); flushErr != nil && err == nil {
			err = flushErr
		}
		_ = p.reader.Close()
		p.reader = nil
	}()

	if !p.waitSyncable(ctx) {
		return nil
	}
	conn, err := p.dial(ctx)
	if err != nil || conn == nil {
		return nil
	}
	defer func() { _ = conn.Close() }()
	if conn.LocalIP() == p.ip {
		return errSelfSync
	}

	if p.getStatus() == proto.StatusWaitSync {
		p.report(ctx, proto.StatusSyncing)
	}
	if p.getStatus() == proto.StatusSyncing && p.mark.NeedSyncOld && p.mark.SyncOldDone {
		p.report(ctx, proto.StatusOnline)
	}
	return p.replay(ctx, conn)
}

// openReader positions a reader from the mark file, asking the trackers
// for the starting point when no mark exists yet.
func (p *peer) openReader(ctx context.Context) error {
	mark, err := binlog.LoadMark(p.markPath)
	fresh := errors.Is(err, os.ErrNotExist)
	switch {
	case fresh:
		mark, err = p.bootstrap(ctx)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}
	p.mark = mark
	p.lastWritten = mark.ScanRowCount

	r, err := binlog.OpenReader(p.m.cfg.Binlog.Dir(), p.m.cfg.Binlog, mark.Index, mark.Offset)
	if err != nil {
		return err
	}
	r.OnRotate = func(index int) error {
		return p.saveMark()
	}
	p.reader = r

	if !fresh {
		return nil
	}
	if !mark.NeedSyncOld && mark.UntilTimestamp > 0 {
		skipped, err := r.SkipUntil(mark.UntilTimestamp)
		if err != nil {
			_ = r.Close()
			p.reader = nil
			return err
		}
		p.logger.Debug().Int("skipped", skipped).Int64("until", mark.UntilTimestamp).Msg("skipped records replayed by another member")
	}
	if err := p.saveMark(); err != nil {
		_ = r.Close()
		p.reader = nil
		return err
	}
	return nil
}

func (p *peer) bootstrap(ctx context.Context) (binlog.Mark, error) {
	src, ok, err := p.m.cfg.Trackers.SyncSrcReq(ctx, p.ip)
	if err != nil {
		return binlog.Mark{}, fmt.Errorf("request sync source: %w", err)
	}
	mark := binlog.Mark{}
	if ok {
		mark.NeedSyncOld = p.m.IsLocal(src.IP)
		mark.UntilTimestamp = src.Until
	}
	p.logger.Info().Bool("need_sync_old", mark.NeedSyncOld).Int64("until", mark.UntilTimestamp).Msg("sync mark created")
	return mark, nil
}

func (p *peer) waitSyncable(ctx context.Context) bool {
	for !syncable(p.getStatus()) {
		if !sleep(ctx, p.m.cfg.StatusPollInterval) {
			return false
		}
	}
	return true
}

func (p *peer) dial(ctx context.Context) (Peer, error) {
	addr := p.m.peerAddr(p.ip)
	for {
		conn, err := p.m.cfg.Dial(ctx, addr)
		if err == nil {
			return conn, nil
		}
		p.logger.Debug().Err(err).Msg("connect to peer failed")
		if !sleep(ctx, p.m.cfg.DialRetryInterval) {
			return nil, ctx.Err()
		}
	}
}

func (p *peer) report(ctx context.Context, status proto.StorageStatus) {
	p.setStatus(status)
	if err := p.m.cfg.Trackers.ReportStatus(ctx, p.ip, status); err != nil {
		p.logger.Warn().Err(err).Stringer("status", status).Msg("failed to report peer status")
	}
}

// replay sends records to conn until ctx is done or a record fails.
func (p *peer) replay(ctx context.Context, conn Peer) error {
	for ctx.Err() == nil {
		rec, n, err := p.reader.Next()
		if errors.Is(err, binlog.ErrNoData) {
			if p.mark.NeedSyncOld && !p.mark.SyncOldDone {
				p.mark.SyncOldDone = true
				if err := p.saveMark(); err != nil {
					return err
				}
				p.logger.Info().Msg("old files synced")
				if p.getStatus() == proto.StatusSyncing {
					p.report(ctx, proto.StatusOnline)
				}
			}
			sleep(ctx, p.m.cfg.WaitInterval)
			continue
		}
		if err != nil {
			return err
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		synced, err := p.apply(conn, rec)
		if err != nil {
			p.logger.Warn().Err(err).Stringer("op", rec.Op).Str("file", rec.Filename).Msg("sync record failed")
			p.count(rec.Op, "error")
			return nil
		}
		p.reader.Advance(n)
		p.mark.ScanRowCount++
		if synced {
			p.mark.SyncRowCount++
			p.count(rec.Op, "synced")
		} else {
			p.count(rec.Op, "skipped")
		}
		if p.mark.ScanRowCount%markFlushRows == 0 {
			if err := p.saveMark(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *peer) count(op binlog.Op, result string) {
	if p.m.cfg.Metrics != nil {
		p.m.cfg.Metrics.Records.WithLabelValues(op.String(), result).Inc()
	}
}

// flush saves the mark if records were scanned since the last save.
func (p *peer) flush() error {
	if p.reader == nil || p.mark.ScanRowCount == p.lastWritten {
		return nil
	}
	return p.saveMark()
}

func (p *peer) saveMark() error {
	p.mark.Index, p.mark.Offset = p.reader.Position()
	if err := p.mark.Save(p.markPath); err != nil {
		return err
	}
	p.lastWritten = p.mark.ScanRowCount
	if p.m.cfg.Metrics != nil {
		p.m.cfg.Metrics.MarkWrites.Inc()
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
