package replication

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/filemesh/filemesh/internal/binlog"
	"github.com/filemesh/filemesh/internal/fsutil"
	"github.com/filemesh/filemesh/pkg/proto"
)

// apply replays one record to the peer. synced is false when the record
// did not need to be sent.
func (p *peer) apply(conn Peer, rec binlog.Record) (synced bool, err error) {
	if rec.Op.Replica() && !p.inOldWindow(rec) {
		return false, nil
	}
	switch rec.Op {
	case binlog.OpCreate, binlog.OpReplicaCreate:
		return true, p.copyFile(conn, rec, proto.CmdSyncCreate)
	case binlog.OpUpdate, binlog.OpReplicaUpdate:
		return true, p.copyFile(conn, rec, proto.CmdSyncUpdate)
	case binlog.OpDelete, binlog.OpReplicaDelete:
		return true, p.deleteFile(conn, rec)
	}
	return false, proto.Statusf(syscall.EINVAL, "unknown binlog op %q", byte(rec.Op))
}

// inOldWindow reports whether a replicated record must still be forwarded
// because this node is handing existing files to a new member.
func (p *peer) inOldWindow(rec binlog.Record) bool {
	return p.mark.NeedSyncOld && !p.mark.SyncOldDone && rec.Timestamp <= p.mark.UntilTimestamp
}

func (p *peer) localPath(name string) string {
	return filepath.Join(p.m.cfg.DataDir, name)
}

func (p *peer) copyFile(conn Peer, rec binlog.Record, cmd proto.Cmd) error {
	f, err := os.Open(p.localPath(rec.Filename))
	if errors.Is(err, os.ErrNotExist) {
		if rec.Op == binlog.OpCreate {
			p.logger.Warn().Str("file", rec.Filename).Msg("source file no longer exists, skipped")
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", rec.Filename, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", rec.Filename, err)
	}
	err = conn.SyncCopy(cmd, p.m.cfg.Group, rec.Filename, f, info.Size())
	if errors.Is(err, syscall.EEXIST) {
		if rec.Op == binlog.OpCreate {
			p.logger.Warn().Str("file", rec.Filename).Msg("file already exists on peer")
		}
		return nil
	}
	return err
}

func (p *peer) deleteFile(conn Peer, rec binlog.Record) error {
	if fsutil.Exists(p.localPath(rec.Filename)) {
		if rec.Op == binlog.OpDelete {
			p.logger.Warn().Str("file", rec.Filename).Msg("deleted file exists again locally, skipped")
		}
		return nil
	}
	err := conn.SyncDelete(p.m.cfg.Group, rec.Filename)
	if errors.Is(err, syscall.ENOENT) {
		return nil
	}
	return err
}
