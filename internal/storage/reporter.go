package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/filemesh/filemesh/internal/client"
	"github.com/rs/zerolog"
)

const reporterMinBackoff = time.Second

// reporter keeps a joined session with one tracker: it heartbeats,
// reports disk usage and feeds the member lists it gets back to the
// replication manager.
type reporter struct {
	n      *Node
	addr   string
	logger zerolog.Logger
}

func (r *reporter) run(ctx context.Context) {
	backoff := reporterMinBackoff
	for {
		joined, err := r.session(ctx)
		r.setUp(false)
		if ctx.Err() != nil {
			return
		}
		if joined {
			backoff = reporterMinBackoff
		}
		r.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("tracker session ended")
		if !sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, r.n.cfg.HeartBeatInterval)
	}
}

func (r *reporter) session(ctx context.Context) (joined bool, err error) {
	c, err := r.n.pool.Connect(ctx, r.addr)
	if err != nil {
		return false, err
	}
	defer func() { _ = c.Close() }()

	r.n.repl.AddLocalIP(c.LocalIP())
	briefs, err := c.Join(r.n.cfg.GroupName, r.n.cfg.Port)
	if err != nil {
		return false, fmt.Errorf("join: %w", err)
	}
	r.logger.Info().Str("local_ip", c.LocalIP()).Int("members", len(briefs)).Msg("joined tracker")
	r.setUp(true)
	r.n.repl.UpdatePeers(briefs)

	if err := r.n.announceSync(c); err != nil {
		return true, fmt.Errorf("announce sync source: %w", err)
	}
	if err := r.report(c); err != nil {
		return true, err
	}

	beat := time.NewTicker(r.n.cfg.HeartBeatInterval)
	defer beat.Stop()
	stat := time.NewTicker(r.n.cfg.StatReportInterval)
	defer stat.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := c.Quit(); err != nil {
				r.logger.Debug().Err(err).Msg("quit failed")
			}
			return true, nil
		case <-beat.C:
			s := r.n.stats.Snapshot()
			briefs, err := c.Beat(&s)
			if err != nil {
				return true, fmt.Errorf("heartbeat: %w", err)
			}
			r.n.repl.UpdatePeers(briefs)
		case <-stat.C:
			if err := r.report(c); err != nil {
				return true, err
			}
		}
	}
}

func (r *reporter) report(c *client.Conn) error {
	total, free, err := diskStat(r.n.store.Dir())
	if err != nil {
		r.logger.Warn().Err(err).Msg("disk usage unavailable")
		return nil
	}
	briefs, err := c.Report(total, free)
	if err != nil {
		return fmt.Errorf("report disk usage: %w", err)
	}
	r.n.repl.UpdatePeers(briefs)
	return nil
}

func (r *reporter) setUp(up bool) {
	if r.n.metrics == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	r.n.metrics.TrackerUp.WithLabelValues(r.addr).Set(v)
}

// announceSync runs the first-join bootstrap once per data directory. The
// tracker picks a member to replay existing files here; the answer is
// kept in the init flag and announced to trackers on every later join.
func (n *Node) announceSync(c *client.Conn) error {
	n.initMu.Lock()
	defer n.initMu.Unlock()

	path := n.store.Path(InitFlagFile)
	src, err := loadInitFlag(path)
	if err == nil {
		briefs, err := c.SyncNotify(src)
		if err != nil {
			return err
		}
		n.repl.UpdatePeers(briefs)
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	src, ok, err := c.SyncDestReq()
	if err != nil {
		return err
	}
	if ok {
		if err := c.AckSyncDest(); err != nil {
			return err
		}
		n.logger.Info().Str("src", src.IP).Int64("until", src.Until).Msg("sync source assigned")
	}
	if err := saveInitFlag(path, src); err != nil {
		return fmt.Errorf("save init flag: %w", err)
	}
	return nil
}
