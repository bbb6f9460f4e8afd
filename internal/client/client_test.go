package client

import (
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/filemesh/filemesh/pkg/proto"
	"github.com/filemesh/filemesh/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	hdr  proto.Header
	body []byte
}

// reply is a canned response. A nil reply means none is sent.
type reply struct {
	status byte
	body   []byte
}

// fakePeer answers requests on conn with replies in order and reports
// what it received once the client closes.
func fakePeer(conn net.Conn, replies ...*reply) <-chan []request {
	out := make(chan []request, 1)
	go func() {
		var got []request
		defer func() { out <- got }()
		for {
			h, err := proto.ReadHeader(conn)
			if err != nil {
				return
			}
			body, err := proto.ReadBody(conn, h, nil)
			if err != nil {
				return
			}
			got = append(got, request{hdr: h, body: body})
			if len(replies) == 0 {
				continue
			}
			r := replies[0]
			replies = replies[1:]
			if r == nil {
				continue
			}
			if err := proto.WritePacket(conn, proto.CmdStorageResp, r.status, r.body); err != nil {
				return
			}
		}
	}()
	return out
}

func newPair(t *testing.T, replies ...*reply) (*Conn, func() []request) {
	t.Helper()
	cli, srv := testutil.Pipe("10.0.0.9")
	done := fakePeer(srv, replies...)
	c := New(cli, time.Second)
	return c, func() []request {
		require.NoError(t, c.Close())
		got := <-done
		_ = srv.Close()
		return got
	}
}

func TestConn_QueryStore(t *testing.T) {
	want := proto.ServerAddr{Group: "group1", IP: "10.0.0.2", Port: 23000}
	c, finish := newPair(t, &reply{body: want.Encode()})

	addr, err := c.QueryStore()
	require.NoError(t, err)
	assert.Equal(t, want, addr)

	got := finish()
	require.Len(t, got, 1)
	assert.Equal(t, proto.CmdQueryStore, got[0].hdr.Cmd)
	assert.Empty(t, got[0].body)
}

func TestConn_StatusErrorUnwrapsToErrno(t *testing.T) {
	c, finish := newPair(t, &reply{status: byte(syscall.ENOENT)})

	_, err := c.QueryFetch("group1", "6553f100000001")
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ENOENT))

	var se *proto.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, byte(syscall.ENOENT), se.Status)
	finish()
}

func TestConn_JoinEncodesGroupAndPort(t *testing.T) {
	briefs := []proto.Brief{{IP: "10.0.0.2", Status: proto.StatusActive}}
	c, finish := newPair(t, &reply{}, &reply{body: proto.EncodeBriefs(briefs)})

	got, err := c.Join("group1", 23000)
	require.NoError(t, err)
	assert.Nil(t, got, "empty response carries no member list")

	got, err = c.Report(1024, 512)
	require.NoError(t, err)
	assert.Equal(t, briefs, got)

	reqs := finish()
	require.Len(t, reqs, 2)
	assert.Equal(t, proto.CmdJoin, reqs[0].hdr.Cmd)
	require.Len(t, reqs[0].body, proto.JoinBodySize)
	d := proto.NewDecoder(reqs[0].body)
	assert.Equal(t, "group1", d.Fixed(proto.GroupNameMaxLen))
	assert.Equal(t, int64(23000), d.Hex())
	require.NoError(t, d.Err())

	assert.Equal(t, proto.CmdReport, reqs[1].hdr.Cmd)
	assert.Len(t, reqs[1].body, proto.ReportBodySize)
}

func TestConn_SyncDestReqAndAck(t *testing.T) {
	src := proto.SyncSource{IP: "10.0.0.2", Until: 1700000000}
	c, finish := newPair(t, &reply{body: src.Encode()}, nil, nil)

	got, ok, err := c.SyncDestReq()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, src, got)
	require.NoError(t, c.AckSyncDest())
	require.NoError(t, c.Quit())

	reqs := finish()
	require.Len(t, reqs, 3)
	assert.Equal(t, proto.CmdSyncDestReq, reqs[0].hdr.Cmd)
	assert.Equal(t, proto.CmdStorageResp, reqs[1].hdr.Cmd)
	assert.Equal(t, proto.CmdQuit, reqs[2].hdr.Cmd)
}

func TestConn_SyncSrcReqWithoutSource(t *testing.T) {
	c, finish := newPair(t, &reply{})

	_, ok, err := c.SyncSrcReq("10.0.0.3")
	require.NoError(t, err)
	assert.False(t, ok)

	reqs := finish()
	require.Len(t, reqs, 1)
	assert.Equal(t, "10.0.0.3", proto.TrimNUL(reqs[0].body))
}

func TestConn_LocalIP(t *testing.T) {
	c, finish := newPair(t)
	assert.Equal(t, "10.0.0.9", c.LocalIP())
	finish()
}

func TestConn_ClosedPeer(t *testing.T) {
	cli, srv := net.Pipe()
	require.NoError(t, srv.Close())
	c := New(cli, time.Second)
	defer func() { _ = c.Close() }()

	_, err := c.ListGroups()
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF), "got %v", err)
}
