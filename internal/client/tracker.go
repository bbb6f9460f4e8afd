package client

import (
	"fmt"

	"github.com/filemesh/filemesh/pkg/proto"
)

// Join registers the storage node at the other end of this connection in
// group. The member list is returned when the tracker pushed one.
func (c *Conn) Join(group string, port int) ([]proto.Brief, error) {
	body := proto.NewBuilder(proto.JoinBodySize).Fixed(group, proto.GroupNameMaxLen).Hex(int64(port)).Bytes()
	return c.briefCall(proto.CmdJoin, body)
}

// Beat sends a heartbeat, with counters when stat is non-nil.
func (c *Conn) Beat(stat *proto.StorageStat) ([]proto.Brief, error) {
	var body []byte
	if stat != nil {
		b := proto.NewBuilder(proto.StorageStatSize)
		stat.Put(b)
		body = b.Bytes()
	}
	return c.briefCall(proto.CmdBeat, body)
}

// Report sends disk capacity in megabytes.
func (c *Conn) Report(totalMB, freeMB int64) ([]proto.Brief, error) {
	body := proto.NewBuilder(proto.ReportBodySize).Hex(totalMB).Hex(freeMB).Bytes()
	return c.briefCall(proto.CmdReport, body)
}

func (c *Conn) briefCall(cmd proto.Cmd, body []byte) ([]proto.Brief, error) {
	resp, err := c.call(cmd, body)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, nil
	}
	return proto.DecodeBriefs(resp)
}

// ReplicaChange pushes member statuses as seen by this storage node.
func (c *Conn) ReplicaChange(briefs []proto.Brief) error {
	_, err := c.call(proto.CmdReplicaChg, proto.EncodeBriefs(briefs))
	return err
}

// SyncSrcReq asks which member replays old files to destIP and up to when.
// ok is false when no source was assigned.
func (c *Conn) SyncSrcReq(destIP string) (src proto.SyncSource, ok bool, err error) {
	body := proto.NewBuilder(proto.IPAddrSize).Fixed(destIP, proto.IPAddrSize).Bytes()
	resp, err := c.call(proto.CmdSyncSrcReq, body)
	if err != nil || len(resp) == 0 {
		return proto.SyncSource{}, false, err
	}
	src, err = proto.DecodeSyncSource(resp)
	return src, err == nil, err
}

// SyncDestReq asks the tracker which member this node should copy existing
// files from. When ok is true the caller must AckSyncDest once it has
// recorded the source.
func (c *Conn) SyncDestReq() (src proto.SyncSource, ok bool, err error) {
	resp, err := c.call(proto.CmdSyncDestReq, nil)
	if err != nil || len(resp) == 0 {
		return proto.SyncSource{}, false, err
	}
	src, err = proto.DecodeSyncSource(resp)
	return src, err == nil, err
}

// AckSyncDest confirms the source returned by SyncDestReq.
func (c *Conn) AckSyncDest() error {
	return proto.WriteHeader(c.conn, proto.CmdStorageResp, proto.StatusOK, 0)
}

// SyncNotify reports this node's sync source, or an empty source once it
// has caught up. The member list is returned when the tracker pushed one.
func (c *Conn) SyncNotify(src proto.SyncSource) ([]proto.Brief, error) {
	return c.briefCall(proto.CmdSyncNotify, src.Encode())
}

// QueryStore asks where to upload a new file.
func (c *Conn) QueryStore() (proto.ServerAddr, error) {
	resp, err := c.call(proto.CmdQueryStore, nil)
	if err != nil {
		return proto.ServerAddr{}, err
	}
	return proto.DecodeServerAddr(resp)
}

// QueryFetch asks which member of group should serve filename.
func (c *Conn) QueryFetch(group, filename string) (proto.ServerAddr, error) {
	resp, err := c.call(proto.CmdQueryFetch, proto.EncodeFileID(proto.FileID{Group: group, Filename: filename}))
	if err != nil {
		return proto.ServerAddr{}, err
	}
	return proto.DecodeServerAddr(resp)
}

// ListGroups describes every group known to the tracker.
func (c *Conn) ListGroups() ([]proto.GroupInfo, error) {
	resp, err := c.call(proto.CmdListGroup, nil)
	if err != nil {
		return nil, err
	}
	return proto.DecodeGroupInfos(resp)
}

// ListStorages describes the members of group.
func (c *Conn) ListStorages(group string) ([]proto.StorageInfo, error) {
	if err := proto.ValidateGroupName(group); err != nil {
		return nil, fmt.Errorf("list storages: %w", err)
	}
	body := proto.NewBuilder(proto.GroupNameMaxLen).Fixed(group, proto.GroupNameMaxLen).Bytes()
	resp, err := c.call(proto.CmdListStorage, body)
	if err != nil {
		return nil, err
	}
	return proto.DecodeStorageInfos(resp)
}
