package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/filemesh/filemesh/internal/client"
	"github.com/filemesh/filemesh/pkg/proto"
	"github.com/rs/zerolog"
)

// DialFunc opens a TCP connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// reportAttempts bounds connection attempts per tracker in ReportStatus.
const reportAttempts = 3

// TrackerPool runs short JOIN ... QUIT exchanges against the configured
// trackers on behalf of the replication engine.
type TrackerPool struct {
	addrs   []string
	group   string
	port    int
	timeout time.Duration
	retry   time.Duration
	dial    DialFunc
	logger  zerolog.Logger
}

// NewTrackerPool creates a pool for the storage node serving group on port.
func NewTrackerPool(addrs []string, group string, port int, timeout, retry time.Duration, dial DialFunc, logger zerolog.Logger) *TrackerPool {
	if dial == nil {
		d := &net.Dialer{Timeout: timeout}
		dial = d.DialContext
	}
	return &TrackerPool{
		addrs:   addrs,
		group:   group,
		port:    port,
		timeout: timeout,
		retry:   retry,
		dial:    dial,
		logger:  logger.With().Str("component", "tracker-pool").Logger(),
	}
}

// Connect dials one tracker.
func (p *TrackerPool) Connect(ctx context.Context, addr string) (*client.Conn, error) {
	conn, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tracker %s: %w", addr, err)
	}
	return client.New(conn, p.timeout), nil
}

// exchange joins addr, runs fn and quits.
func (p *TrackerPool) exchange(ctx context.Context, addr string, fn func(c *client.Conn) error) error {
	c, err := p.Connect(ctx, addr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if _, err := c.Join(p.group, p.port); err != nil {
		return fmt.Errorf("join tracker %s: %w", addr, err)
	}
	// Leaving without QUIT would mark this node offline.
	err = fn(c)
	if qerr := c.Quit(); err == nil {
		err = qerr
	}
	return err
}

// SyncSrcReq asks the trackers in turn which member replays old files to
// destIP, until one answers or ctx is done.
func (p *TrackerPool) SyncSrcReq(ctx context.Context, destIP string) (proto.SyncSource, bool, error) {
	for i := 0; ; i++ {
		addr := p.addrs[i%len(p.addrs)]
		var src proto.SyncSource
		var ok bool
		err := p.exchange(ctx, addr, func(c *client.Conn) error {
			var err error
			src, ok, err = c.SyncSrcReq(destIP)
			return err
		})
		if err == nil {
			return src, ok, nil
		}
		p.logger.Warn().Err(err).Str("tracker", addr).Str("dest", destIP).Msg("sync source request failed")
		if !sleep(ctx, p.retry) {
			return proto.SyncSource{}, false, ctx.Err()
		}
	}
}

// ReportStatus pushes the status of ip to every tracker.
func (p *TrackerPool) ReportStatus(ctx context.Context, ip string, status proto.StorageStatus) error {
	briefs := []proto.Brief{{IP: ip, Status: status}}
	var errs []error
	for _, addr := range p.addrs {
		var err error
		for attempt := 0; attempt < reportAttempts; attempt++ {
			err = p.exchange(ctx, addr, func(c *client.Conn) error {
				return c.ReplicaChange(briefs)
			})
			if err == nil || !sleep(ctx, p.retry) {
				break
			}
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
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
