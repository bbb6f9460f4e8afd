package proto

import (
	"syscall"
)

// Storage data request layouts.
const (
	FileExtNameMaxLen = 6
	UploadHeadSize    = 2*PkgLenSize + FileExtNameMaxLen
	SetMetaHeadSize   = 2*PkgLenSize + 1 + GroupNameMaxLen
	SyncCopyHeadSize  = 2*PkgLenSize + GroupNameMaxLen
	MaxFilenameLen    = 31
)

// UploadHead precedes the metadata and content of an upload request.
type UploadHead struct {
	FileSize int64
	MetaLen  int64
	Ext      string
}

// Encode renders the fixed part of an upload request.
func (h UploadHead) Encode() []byte {
	return NewBuilder(UploadHeadSize).
		Hex(h.FileSize).
		Hex(h.MetaLen).
		Fixed(h.Ext, FileExtNameMaxLen).
		Bytes()
}

// DecodeUploadHead parses the fixed part of an upload request.
func DecodeUploadHead(b []byte) (UploadHead, error) {
	d := NewDecoder(b)
	h := UploadHead{FileSize: d.Hex(), MetaLen: d.Hex(), Ext: d.Fixed(FileExtNameMaxLen)}
	if err := d.Err(); err != nil {
		return UploadHead{}, err
	}
	if h.FileSize < 0 || h.MetaLen < 0 {
		return UploadHead{}, Statusf(syscall.EINVAL, "negative upload sizes %d/%d", h.FileSize, h.MetaLen)
	}
	return h, nil
}

// SetMetaHead precedes the filename and metadata of a set-meta request.
type SetMetaHead struct {
	FilenameLen int64
	MetaLen     int64
	Flag        byte
	Group       string
}

// Encode renders the fixed part of a set-meta request.
func (h SetMetaHead) Encode() []byte {
	return NewBuilder(SetMetaHeadSize).
		Hex(h.FilenameLen).
		Hex(h.MetaLen).
		Byte(h.Flag).
		Fixed(h.Group, GroupNameMaxLen).
		Bytes()
}

// DecodeSetMetaHead parses the fixed part of a set-meta request.
func DecodeSetMetaHead(b []byte) (SetMetaHead, error) {
	d := NewDecoder(b)
	h := SetMetaHead{FilenameLen: d.Hex(), MetaLen: d.Hex(), Flag: d.Byte(), Group: d.Fixed(GroupNameMaxLen)}
	if err := d.Err(); err != nil {
		return SetMetaHead{}, err
	}
	if h.FilenameLen <= 0 || h.FilenameLen > MaxFilenameLen || h.MetaLen < 0 {
		return SetMetaHead{}, Statusf(syscall.EINVAL, "invalid set-meta lengths %d/%d", h.FilenameLen, h.MetaLen)
	}
	if h.Flag != MetaOverwrite && h.Flag != MetaMerge {
		return SetMetaHead{}, Statusf(syscall.EINVAL, "invalid set-meta flag %q", h.Flag)
	}
	return h, nil
}

// SyncCopyHead precedes the filename and content of a sync create or
// update request.
type SyncCopyHead struct {
	FilenameLen int64
	FileSize    int64
	Group       string
}

// Encode renders the fixed part of a sync copy request.
func (h SyncCopyHead) Encode() []byte {
	return NewBuilder(SyncCopyHeadSize).
		Hex(h.FilenameLen).
		Hex(h.FileSize).
		Fixed(h.Group, GroupNameMaxLen).
		Bytes()
}

// DecodeSyncCopyHead parses the fixed part of a sync copy request.
func DecodeSyncCopyHead(b []byte) (SyncCopyHead, error) {
	d := NewDecoder(b)
	h := SyncCopyHead{FilenameLen: d.Hex(), FileSize: d.Hex(), Group: d.Fixed(GroupNameMaxLen)}
	if err := d.Err(); err != nil {
		return SyncCopyHead{}, err
	}
	if h.FilenameLen <= 0 || h.FilenameLen > MaxFilenameLen || h.FileSize < 0 {
		return SyncCopyHead{}, Statusf(syscall.EINVAL, "invalid sync copy lengths %d/%d", h.FilenameLen, h.FileSize)
	}
	return h, nil
}
