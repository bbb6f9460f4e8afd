package proto

import (
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateGroupName(t *testing.T) {
	tests := []struct {
		name    string
		group   string
		wantErr bool
	}{
		{"simple", "group1", false},
		{"max length", strings.Repeat("a", GroupNameMaxLen), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", GroupNameMaxLen+1), true},
		{"dash", "group-1", true},
		{"space", "group 1", true},
		{"underscore", "group_1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGroupName(tt.group)
			if tt.wantErr {
				assert.ErrorIs(t, err, syscall.EINVAL)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBriefs(t *testing.T) {
	briefs := []Brief{
		{Status: StatusActive, IP: "10.0.0.1"},
		{Status: StatusWaitSync, IP: "10.0.0.2"},
	}
	body := EncodeBriefs(briefs)
	assert.Len(t, body, 2*BriefSize)

	got, err := DecodeBriefs(body)
	require.NoError(t, err)
	assert.Equal(t, briefs, got)

	_, err = DecodeBriefs(body[:BriefSize+3])
	assert.ErrorIs(t, err, syscall.EINVAL)
}

func TestServerAddr(t *testing.T) {
	addr := ServerAddr{Group: "group1", IP: "192.168.1.20", Port: 23000}
	body := addr.Encode()
	require.Len(t, body, ServerAddrSize)

	got, err := DecodeServerAddr(body)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func TestStorageInfos(t *testing.T) {
	infos := []StorageInfo{{
		Status:  StatusOnline,
		IP:      "10.1.1.1",
		TotalMB: 1000,
		FreeMB:  400,
		Stat:    StorageStat{TotalUpload: 7, SuccessUpload: 6, LastSyncUpdate: 1700000000},
	}}
	body := EncodeStorageInfos(infos)
	require.Len(t, body, StorageInfoSize)

	got, err := DecodeStorageInfos(body)
	require.NoError(t, err)
	assert.Equal(t, infos, got)
}

func TestDecodeFileID(t *testing.T) {
	id, err := DecodeFileID(EncodeFileID(FileID{Group: "g1", Filename: "abc.txt"}))
	require.NoError(t, err)
	assert.Equal(t, "g1", id.Group)
	assert.Equal(t, "abc.txt", id.Filename)

	_, err = DecodeFileID(make([]byte, GroupNameMaxLen))
	assert.ErrorIs(t, err, syscall.EINVAL)
}

func TestDecoder_Truncated(t *testing.T) {
	d := NewDecoder([]byte("00000a"))
	_ = d.Hex()
	assert.ErrorIs(t, d.Err(), syscall.EINVAL)
	assert.Equal(t, "", d.Fixed(4), "errors are sticky")
}

func TestHexFieldClamp(t *testing.T) {
	b := NewBuilder(0).Hex(-5).Hex(1 << 40).Bytes()
	assert.Equal(t, "000000000fffffffff", string(b))
}

func TestSetMetaHead(t *testing.T) {
	h := SetMetaHead{FilenameLen: 10, MetaLen: 20, Flag: MetaMerge, Group: "group1"}
	got, err := DecodeSetMetaHead(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, got)

	h.Flag = 'X'
	_, err = DecodeSetMetaHead(h.Encode())
	assert.ErrorIs(t, err, syscall.EINVAL)
}
