package client

import (
	"fmt"
	"io"

	"github.com/filemesh/filemesh/pkg/proto"
)

// Upload stores size bytes from r on the storage node and returns the
// generated file id.
func (c *Conn) Upload(ext string, meta []proto.MetaPair, r io.Reader, size int64) (proto.FileID, error) {
	packed := proto.PackMetadata(meta)
	head := proto.UploadHead{FileSize: size, MetaLen: int64(len(packed)), Ext: ext}.Encode()

	total := int64(len(head)+len(packed)) + size
	if err := proto.WriteHeader(c.conn, proto.CmdUpload, proto.StatusOK, total); err != nil {
		return proto.FileID{}, err
	}
	if _, err := c.conn.Write(append(head, packed...)); err != nil {
		return proto.FileID{}, fmt.Errorf("write upload head: %w", err)
	}
	if _, err := io.CopyN(c.conn, r, size); err != nil {
		return proto.FileID{}, fmt.Errorf("write upload content: %w", err)
	}

	resp, err := proto.ReceiveResponse(c.conn, nil)
	if err != nil {
		return proto.FileID{}, fmt.Errorf("upload: %w", err)
	}
	return proto.DecodeFileID(resp)
}

// Download writes the content of id to w.
func (c *Conn) Download(id proto.FileID, w io.Writer) (int64, error) {
	if err := proto.WritePacket(c.conn, proto.CmdDownload, proto.StatusOK, proto.EncodeFileID(id)); err != nil {
		return 0, err
	}
	h, err := proto.ReadHeader(c.conn)
	if err != nil {
		return 0, err
	}
	if h.Status != proto.StatusOK {
		return 0, fmt.Errorf("download %s: %w", id.Filename, &proto.StatusError{Status: h.Status})
	}
	n, err := io.CopyN(w, c.conn, h.Length)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", id.Filename, err)
	}
	return n, nil
}

// Delete removes id from the storage node.
func (c *Conn) Delete(id proto.FileID) error {
	_, err := c.call(proto.CmdDelete, proto.EncodeFileID(id))
	return err
}

// SetMetadata overwrites (proto.MetaOverwrite) or merges (proto.MetaMerge)
// the metadata of id.
func (c *Conn) SetMetadata(id proto.FileID, meta []proto.MetaPair, flag byte) error {
	packed := proto.PackMetadata(meta)
	head := proto.SetMetaHead{
		FilenameLen: int64(len(id.Filename)),
		MetaLen:     int64(len(packed)),
		Flag:        flag,
		Group:       id.Group,
	}.Encode()
	body := proto.NewBuilder(len(head) + len(id.Filename) + len(packed)).
		Raw(head).Text(id.Filename).Raw(packed).Bytes()
	_, err := c.call(proto.CmdSetMeta, body)
	return err
}

// GetMetadata returns the metadata of id.
func (c *Conn) GetMetadata(id proto.FileID) ([]proto.MetaPair, error) {
	resp, err := c.call(proto.CmdGetMeta, proto.EncodeFileID(id))
	if err != nil {
		return nil, err
	}
	return proto.SplitMetadata(resp), nil
}

// SyncCopy replicates a file to a peer. cmd is proto.CmdSyncCreate or
// proto.CmdSyncUpdate.
func (c *Conn) SyncCopy(cmd proto.Cmd, group, filename string, r io.Reader, size int64) error {
	head := proto.SyncCopyHead{FilenameLen: int64(len(filename)), FileSize: size, Group: group}.Encode()
	total := int64(len(head)+len(filename)) + size
	if err := proto.WriteHeader(c.conn, cmd, proto.StatusOK, total); err != nil {
		return err
	}
	if _, err := c.conn.Write(append(head, filename...)); err != nil {
		return fmt.Errorf("write %s head: %w", cmd, err)
	}
	if _, err := io.CopyN(c.conn, r, size); err != nil {
		return fmt.Errorf("write %s content: %w", cmd, err)
	}
	if _, err := proto.ReceiveResponse(c.conn, nil); err != nil {
		return fmt.Errorf("%s %s: %w", cmd, filename, err)
	}
	return nil
}

// SyncDelete replicates a deletion to a peer.
func (c *Conn) SyncDelete(group, filename string) error {
	_, err := c.call(proto.CmdSyncDelete, proto.EncodeFileID(proto.FileID{Group: group, Filename: filename}))
	return err
}
