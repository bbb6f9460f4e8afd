package storage

import (
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/filemesh/filemesh/internal/binlog"
	"github.com/filemesh/filemesh/pkg/proto"
)

// readN reads n bytes of the current request body.
func (c *session) readN(n int64) ([]byte, error) {
	return proto.ReadBody(c.conn, proto.Header{Length: n}, nil)
}

func (c *session) checkGroup(group string) error {
	if group != c.srv.cfg.Group {
		return proto.Statusf(syscall.EINVAL, "group %q does not match %q", group, c.srv.cfg.Group)
	}
	return nil
}

// readFileID reads a request body that names one file of this group.
func (c *session) readFileID(h proto.Header) (proto.FileID, error) {
	if h.Length <= proto.GroupNameMaxLen || h.Length > proto.GroupNameMaxLen+proto.MaxFilenameLen {
		return proto.FileID{}, proto.Statusf(syscall.EINVAL, "%s: unexpected body length %d", h.Cmd, h.Length)
	}
	body, err := c.readN(h.Length)
	if err != nil {
		return proto.FileID{}, err
	}
	id, err := proto.DecodeFileID(body)
	if err != nil {
		return proto.FileID{}, err
	}
	if err := c.checkGroup(id.Group); err != nil {
		return proto.FileID{}, err
	}
	if err := ValidateName(id.Filename); err != nil {
		return proto.FileID{}, err
	}
	return id, nil
}

// record appends to the binlog. A failed append fails the request; the
// file change itself has already happened.
func (c *session) record(op binlog.Op, name string) error {
	if err := c.srv.binlog.Write(op, name); err != nil {
		c.logger.Error().Err(err).Stringer("op", op).Str("file", name).Msg("binlog write failed")
		return proto.Statusf(syscall.EIO, "binlog write: %v", err)
	}
	return nil
}

func (c *session) handleUpload(h proto.Header) (bool, error) {
	c.srv.stats.update(func(st *proto.StorageStat) { st.TotalUpload++ })
	if h.Length < proto.UploadHeadSize {
		return c.respond(h.Cmd, proto.Statusf(syscall.EINVAL, "upload body too short: %d", h.Length), nil)
	}
	raw, err := c.readN(proto.UploadHeadSize)
	if err != nil {
		return c.fail(h.Cmd, err)
	}
	head, err := proto.DecodeUploadHead(raw)
	if err != nil {
		return c.respond(h.Cmd, err, nil)
	}
	if h.Length != proto.UploadHeadSize+head.MetaLen+head.FileSize {
		return c.respond(h.Cmd, proto.Statusf(syscall.EINVAL, "upload length %d does not match head", h.Length), nil)
	}
	meta, err := c.readN(head.MetaLen)
	if err != nil {
		return c.fail(h.Cmd, err)
	}
	if head.Ext != "" {
		if err := ValidateName(head.Ext); err != nil {
			_ = proto.Discard(c.conn, head.FileSize)
			return c.respond(h.Cmd, err, nil)
		}
	}

	name := c.srv.store.NewName(head.Ext)
	if err := c.srv.store.Write(name, c.conn, head.FileSize); err != nil {
		return false, fmt.Errorf("store %s: %w", name, err)
	}
	c.countBytes("in", head.FileSize)

	err = c.record(binlog.OpCreate, name)
	if err == nil && len(meta) > 0 {
		if err = c.srv.store.WriteMeta(name, meta); err == nil {
			err = c.record(binlog.OpCreate, MetaName(name))
		}
	}
	if err != nil {
		return c.respond(h.Cmd, err, nil)
	}

	now := c.srv.cfg.Now().Unix()
	c.srv.stats.update(func(st *proto.StorageStat) {
		st.SuccessUpload++
		st.LastSourceUpdate = now
	})
	c.logger.Debug().Str("file", name).Int64("size", head.FileSize).Msg("file uploaded")
	return c.respond(h.Cmd, nil, proto.EncodeFileID(proto.FileID{Group: c.srv.cfg.Group, Filename: name}))
}

func (c *session) handleDownload(h proto.Header) (bool, error) {
	c.srv.stats.update(func(st *proto.StorageStat) { st.TotalDownload++ })
	id, err := c.readFileID(h)
	if err != nil {
		return c.fail(h.Cmd, err)
	}
	f, size, err := c.srv.store.Open(id.Filename)
	if err != nil {
		return c.respond(h.Cmd, err, nil)
	}
	defer func() { _ = f.Close() }()

	c.count(h.Cmd, proto.StatusOK)
	if err := proto.WriteHeader(c.conn, proto.CmdStorageCmdResp, proto.StatusOK, size); err != nil {
		return false, err
	}
	n, err := io.CopyN(c.conn, f, size)
	c.countBytes("out", n)
	if err != nil {
		return false, fmt.Errorf("send %s: %w", id.Filename, err)
	}
	c.srv.stats.update(func(st *proto.StorageStat) { st.SuccessDownload++ })
	return true, nil
}

func (c *session) handleDelete(h proto.Header) (bool, error) {
	c.srv.stats.update(func(st *proto.StorageStat) { st.TotalDelete++ })
	id, err := c.readFileID(h)
	if err != nil {
		return c.fail(h.Cmd, err)
	}
	if err := c.srv.store.Remove(id.Filename); err != nil {
		return c.respond(h.Cmd, err, nil)
	}
	err = c.record(binlog.OpDelete, id.Filename)
	if err == nil {
		err = c.removeMeta(id.Filename, binlog.OpDelete)
	}
	if err != nil {
		return c.respond(h.Cmd, err, nil)
	}
	now := c.srv.cfg.Now().Unix()
	c.srv.stats.update(func(st *proto.StorageStat) {
		st.SuccessDelete++
		st.LastSourceUpdate = now
	})
	return c.respond(h.Cmd, nil, nil)
}

// removeMeta deletes the metadata file of name if there is one.
func (c *session) removeMeta(name string, op binlog.Op) error {
	err := c.srv.store.Remove(MetaName(name))
	if errors.Is(err, syscall.ENOENT) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.record(op, MetaName(name))
}

func (c *session) handleSetMeta(h proto.Header) (bool, error) {
	c.srv.stats.update(func(st *proto.StorageStat) { st.TotalSetMeta++ })
	if h.Length < proto.SetMetaHeadSize {
		return c.respond(h.Cmd, proto.Statusf(syscall.EINVAL, "set-meta body too short: %d", h.Length), nil)
	}
	raw, err := c.readN(proto.SetMetaHeadSize)
	if err != nil {
		return c.fail(h.Cmd, err)
	}
	head, err := proto.DecodeSetMetaHead(raw)
	if err != nil {
		return c.respond(h.Cmd, err, nil)
	}
	if h.Length != proto.SetMetaHeadSize+head.FilenameLen+head.MetaLen {
		return c.respond(h.Cmd, proto.Statusf(syscall.EINVAL, "set-meta length %d does not match head", h.Length), nil)
	}
	rest, err := c.readN(head.FilenameLen + head.MetaLen)
	if err != nil {
		return c.fail(h.Cmd, err)
	}
	name, packed := string(rest[:head.FilenameLen]), rest[head.FilenameLen:]
	if err := c.checkGroup(head.Group); err != nil {
		return c.respond(h.Cmd, err, nil)
	}
	if err := ValidateName(MetaName(name)); err != nil {
		return c.respond(h.Cmd, err, nil)
	}
	if !c.srv.store.Exists(name) {
		return c.respond(h.Cmd, proto.Statusf(syscall.ENOENT, "file %s not found", name), nil)
	}

	if err := c.setMeta(name, head.Flag, packed); err != nil {
		return c.respond(h.Cmd, err, nil)
	}
	now := c.srv.cfg.Now().Unix()
	c.srv.stats.update(func(st *proto.StorageStat) {
		st.SuccessSetMeta++
		st.LastSourceUpdate = now
	})
	return c.respond(h.Cmd, nil, nil)
}

func (c *session) setMeta(name string, flag byte, packed []byte) error {
	old, err := c.srv.store.ReadMeta(name)
	if err != nil {
		return err
	}
	if flag == proto.MetaMerge && old != nil {
		packed = proto.PackMetadata(proto.MergeMetadata(proto.SplitMetadata(old), proto.SplitMetadata(packed)))
	}
	if len(packed) == 0 {
		return c.removeMeta(name, binlog.OpDelete)
	}
	if err := c.srv.store.WriteMeta(name, packed); err != nil {
		return err
	}
	op := binlog.OpUpdate
	if old == nil {
		op = binlog.OpCreate
	}
	return c.record(op, MetaName(name))
}

func (c *session) handleGetMeta(h proto.Header) (bool, error) {
	c.srv.stats.update(func(st *proto.StorageStat) { st.TotalGetMeta++ })
	id, err := c.readFileID(h)
	if err != nil {
		return c.fail(h.Cmd, err)
	}
	if !c.srv.store.Exists(id.Filename) {
		return c.respond(h.Cmd, proto.Statusf(syscall.ENOENT, "file %s not found", id.Filename), nil)
	}
	meta, err := c.srv.store.ReadMeta(id.Filename)
	if err != nil {
		return c.respond(h.Cmd, err, nil)
	}
	c.srv.stats.update(func(st *proto.StorageStat) { st.SuccessGetMeta++ })
	return c.respond(h.Cmd, nil, meta)
}

// handleSyncCopy stores a file pushed by a peer. Creating a file that
// already exists is refused with EEXIST so the peer can move on.
func (c *session) handleSyncCopy(h proto.Header, op binlog.Op) (bool, error) {
	if h.Length < proto.SyncCopyHeadSize {
		return c.respond(h.Cmd, proto.Statusf(syscall.EINVAL, "sync body too short: %d", h.Length), nil)
	}
	raw, err := c.readN(proto.SyncCopyHeadSize)
	if err != nil {
		return c.fail(h.Cmd, err)
	}
	head, err := proto.DecodeSyncCopyHead(raw)
	if err != nil {
		return c.respond(h.Cmd, err, nil)
	}
	if h.Length != proto.SyncCopyHeadSize+head.FilenameLen+head.FileSize {
		return c.respond(h.Cmd, proto.Statusf(syscall.EINVAL, "sync length %d does not match head", h.Length), nil)
	}
	rawName, err := c.readN(head.FilenameLen)
	if err != nil {
		return c.fail(h.Cmd, err)
	}
	name := string(rawName)
	if err := c.checkGroup(head.Group); err != nil {
		return c.respond(h.Cmd, err, nil)
	}
	if err := ValidateName(name); err != nil {
		return c.respond(h.Cmd, err, nil)
	}

	if op == binlog.OpReplicaCreate && c.srv.store.Exists(name) {
		if err := proto.Discard(c.conn, head.FileSize); err != nil {
			return false, err
		}
		return c.respond(h.Cmd, proto.Statusf(syscall.EEXIST, "file %s exists", name), nil)
	}
	if err := c.srv.store.Write(name, c.conn, head.FileSize); err != nil {
		return false, fmt.Errorf("store %s: %w", name, err)
	}
	c.countBytes("in", head.FileSize)
	if err := c.record(op, name); err != nil {
		return c.respond(h.Cmd, err, nil)
	}
	now := c.srv.cfg.Now().Unix()
	c.srv.stats.update(func(st *proto.StorageStat) { st.LastSyncUpdate = now })
	return c.respond(h.Cmd, nil, nil)
}

func (c *session) handleSyncDelete(h proto.Header) (bool, error) {
	id, err := c.readFileID(h)
	if err != nil {
		return c.fail(h.Cmd, err)
	}
	if err := c.srv.store.Remove(id.Filename); err != nil {
		return c.respond(h.Cmd, err, nil)
	}
	if err := c.record(binlog.OpReplicaDelete, id.Filename); err != nil {
		return c.respond(h.Cmd, err, nil)
	}
	now := c.srv.cfg.Now().Unix()
	c.srv.stats.update(func(st *proto.StorageStat) { st.LastSyncUpdate = now })
	return c.respond(h.Cmd, nil, nil)
}
