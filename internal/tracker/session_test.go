package tracker

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/filemesh/filemesh/internal/client"
	"github.com/filemesh/filemesh/internal/cluster"
	"github.com/filemesh/filemesh/pkg/proto"
	"github.com/filemesh/filemesh/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

func newTestServer(t *testing.T, policy cluster.Policy) *Server {
	t.Helper()
	dir := cluster.New(cluster.Config{Policy: policy, ReservedMB: 10, Logger: zerolog.Nop()})
	srv, err := NewServer(Config{
		Listen:         "127.0.0.1:0",
		NetworkTimeout: testTimeout,
		Directory:      dir,
		Logger:         zerolog.Nop(),
		Now:            func() time.Time { return time.Unix(1700000000, 0) },
	})
	require.NoError(t, err)
	return srv
}

// connect runs a session over an in-memory pipe whose remote end claims ip.
// The returned func closes the client side and waits for the session.
func connect(t *testing.T, srv *Server, ip string) (*client.Conn, func()) {
	t.Helper()
	c, s := testutil.Pipe(ip)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { _ = s.Close() }()
		srv.ServeConn(context.Background(), s)
	}()
	return client.New(c, testTimeout), func() {
		_ = c.Close()
		<-done
	}
}

func storageStatus(srv *Server, group, ip string) proto.StorageStatus {
	g := srv.Directory().Current().Group(group)
	if g == nil || g.Storage(ip) == nil {
		return 255
	}
	return g.Storage(ip).Status
}

func groupVersion(srv *Server, group string) int64 {
	return srv.Directory().Current().Group(group).Version
}

func TestSession_BeatBeforeJoin(t *testing.T) {
	srv := newTestServer(t, cluster.PolicyRoundRobin)
	conn, closeConn := connect(t, srv, "10.0.0.1")
	defer closeConn()

	_, err := conn.Beat(nil)
	require.ErrorIs(t, err, syscall.EACCES)

	// The session is gone; the next command is never processed.
	_, err = conn.Report(100, 50)
	require.Error(t, err)
	assert.False(t, errors.Is(err, syscall.EACCES))
	assert.Empty(t, srv.Directory().Current().Groups)
}

func TestSession_StatusLifecycle(t *testing.T) {
	srv := newTestServer(t, cluster.PolicyRoundRobin)

	peer, closePeer := connect(t, srv, "10.0.0.1")
	defer closePeer()
	_, err := peer.Join("group1", 23000)
	require.NoError(t, err)
	_, err = peer.SyncNotify(proto.SyncSource{})
	require.NoError(t, err)
	require.Equal(t, proto.StatusOnline, storageStatus(srv, "group1", "10.0.0.1"))

	conn, closeConn := connect(t, srv, "10.0.0.2")
	defer closeConn()

	briefs, err := conn.Join("group1", 23000)
	require.NoError(t, err)
	assert.Equal(t, []proto.Brief{
		{Status: proto.StatusOnline, IP: "10.0.0.1"},
		{Status: proto.StatusInit, IP: "10.0.0.2"},
	}, briefs)
	v := groupVersion(srv, "group1")

	briefs, err = conn.SyncNotify(proto.SyncSource{IP: "10.0.0.1", Until: 100})
	require.NoError(t, err)
	assert.Equal(t, proto.StatusWaitSync, storageStatus(srv, "group1", "10.0.0.2"))
	assert.Equal(t, v+1, groupVersion(srv, "group1"))
	assert.Equal(t, []proto.Brief{
		{Status: proto.StatusOnline, IP: "10.0.0.1"},
		{Status: proto.StatusWaitSync, IP: "10.0.0.2"},
	}, briefs, "status change pushes the member list")

	briefs, err = conn.SyncNotify(proto.SyncSource{})
	require.NoError(t, err)
	assert.Equal(t, proto.StatusOnline, storageStatus(srv, "group1", "10.0.0.2"))
	assert.Equal(t, v+2, groupVersion(srv, "group1"))
	assert.Equal(t, []proto.Brief{
		{Status: proto.StatusOnline, IP: "10.0.0.1"},
		{Status: proto.StatusOnline, IP: "10.0.0.2"},
	}, briefs)

	briefs, err = conn.SyncNotify(proto.SyncSource{})
	require.NoError(t, err)
	assert.Empty(t, briefs, "repeated notify changes nothing")
	assert.Equal(t, v+2, groupVersion(srv, "group1"))

	briefs, err = conn.Report(1000, 500)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusActive, storageStatus(srv, "group1", "10.0.0.2"))
	assert.Equal(t, v+3, groupVersion(srv, "group1"))
	assert.Len(t, briefs, 2, "group changed since join, member list pushed")

	briefs, err = conn.Beat(&proto.StorageStat{TotalUpload: 1, SuccessUpload: 1})
	require.NoError(t, err)
	assert.Empty(t, briefs, "nothing changed since the last push")
	assert.Equal(t, v+3, groupVersion(srv, "group1"))
	assert.Equal(t, int64(1), srv.Directory().Current().Group("group1").Storage("10.0.0.2").Stat.SuccessUpload)
}

func TestSession_JoinValidation(t *testing.T) {
	srv := newTestServer(t, cluster.PolicyRoundRobin)
	conn, closeConn := connect(t, srv, "10.0.0.1")
	defer closeConn()

	_, err := conn.Join("bad-group", 23000)
	assert.ErrorIs(t, err, syscall.EINVAL)
}

func TestSession_JoinZeroPort(t *testing.T) {
	srv := newTestServer(t, cluster.PolicyRoundRobin)
	conn, closeConn := connect(t, srv, "10.0.0.1")
	defer closeConn()

	_, err := conn.Join("group1", 0)
	assert.ErrorIs(t, err, syscall.EINVAL)
}

func TestSession_DisconnectMarksOffline(t *testing.T) {
	srv := newTestServer(t, cluster.PolicyRoundRobin)
	conn, closeConn := connect(t, srv, "10.0.0.1")

	_, err := conn.Join("group1", 23000)
	require.NoError(t, err)
	_, err = conn.SyncNotify(proto.SyncSource{})
	require.NoError(t, err)
	closeConn()

	assert.Equal(t, proto.StatusOffline, storageStatus(srv, "group1", "10.0.0.1"))
}

func TestSession_QuitKeepsStatus(t *testing.T) {
	srv := newTestServer(t, cluster.PolicyRoundRobin)
	conn, closeConn := connect(t, srv, "10.0.0.1")

	_, err := conn.Join("group1", 23000)
	require.NoError(t, err)
	_, err = conn.SyncNotify(proto.SyncSource{})
	require.NoError(t, err)
	require.NoError(t, conn.Quit())
	closeConn()

	assert.Equal(t, proto.StatusOnline, storageStatus(srv, "group1", "10.0.0.1"))
}

func TestSession_QueryStoreAndFetch(t *testing.T) {
	srv := newTestServer(t, cluster.PolicyRoundRobin)

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		conn, closeConn := connect(t, srv, ip)
		_, err := conn.Join("group1", 23000)
		require.NoError(t, err)
		_, err = conn.SyncNotify(proto.SyncSource{})
		require.NoError(t, err)
		_, err = conn.Report(1000, 500)
		require.NoError(t, err)
		require.NoError(t, conn.Quit())
		closeConn()
	}

	c, closeClient := connect(t, srv, "192.168.0.10")
	defer closeClient()

	first, err := c.QueryStore()
	require.NoError(t, err)
	second, err := c.QueryStore()
	require.NoError(t, err)
	assert.Equal(t, "group1", first.Group)
	assert.Equal(t, 23000, first.Port)
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, []string{first.IP, second.IP})

	addr, err := c.QueryFetch("group1", "0000abcd000001.txt")
	require.NoError(t, err)
	assert.Equal(t, "group1", addr.Group)

	_, err = c.QueryFetch("group9", "0000abcd000001.txt")
	assert.ErrorIs(t, err, syscall.ENOENT)

	// Resource errors leave the session open.
	groups, err := c.ListGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 2, groups[0].ActiveCount)
	assert.Equal(t, int64(500), groups[0].FreeMB)

	storages, err := c.ListStorages("group1")
	require.NoError(t, err)
	require.Len(t, storages, 2)
	assert.Equal(t, proto.StatusActive, storages[0].Status)
}

func TestSession_QueryStoreNoGroups(t *testing.T) {
	srv := newTestServer(t, cluster.PolicyLoadBalance)
	c, closeClient := connect(t, srv, "192.168.0.10")
	defer closeClient()

	_, err := c.QueryStore()
	assert.ErrorIs(t, err, syscall.ENOENT)

	_, err = c.ListStorages("group1")
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestSession_SyncDestReq_SingleMember(t *testing.T) {
	srv := newTestServer(t, cluster.PolicyRoundRobin)
	conn, closeConn := connect(t, srv, "10.0.0.1")
	defer closeConn()

	_, err := conn.Join("group1", 23000)
	require.NoError(t, err)

	_, ok, err := conn.SyncDestReq()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, proto.StatusOnline, storageStatus(srv, "group1", "10.0.0.1"))
}

func TestSession_SyncDestReq_AssignsSource(t *testing.T) {
	srv := newTestServer(t, cluster.PolicyRoundRobin)

	src, closeSrc := connect(t, srv, "10.0.0.1")
	defer closeSrc()
	_, err := src.Join("group1", 23000)
	require.NoError(t, err)
	_, err = src.SyncNotify(proto.SyncSource{})
	require.NoError(t, err)
	_, err = src.Beat(&proto.StorageStat{TotalUpload: 5, SuccessUpload: 5})
	require.NoError(t, err)

	conn, closeConn := connect(t, srv, "10.0.0.2")
	defer closeConn()
	_, err = conn.Join("group1", 23000)
	require.NoError(t, err)

	got, ok, err := conn.SyncDestReq()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, proto.SyncSource{IP: "10.0.0.1", Until: 1700000000}, got)
	require.NoError(t, conn.AckSyncDest())

	// The assignment is recorded once the ack is processed; a follow-up
	// command on the same session is handled after it.
	_, err = conn.Beat(nil)
	require.NoError(t, err)
	st := srv.Directory().Current().Group("group1").Storage("10.0.0.2")
	assert.Equal(t, proto.StatusWaitSync, st.Status)
	assert.Equal(t, "10.0.0.1", st.SyncSrc)

	// The source can now look up what it owes the new member.
	owed, ok, err := src.SyncSrcReq("10.0.0.2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, proto.SyncSource{IP: "10.0.0.1", Until: 1700000000}, owed)

	_, _, err = src.SyncSrcReq("10.0.0.99")
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestSession_ReplicaChange(t *testing.T) {
	srv := newTestServer(t, cluster.PolicyRoundRobin)
	conn, closeConn := connect(t, srv, "10.0.0.1")
	defer closeConn()

	_, err := conn.Join("group1", 23000)
	require.NoError(t, err)

	require.NoError(t, conn.ReplicaChange([]proto.Brief{
		{Status: proto.StatusOnline, IP: "10.0.0.1"},
		{Status: proto.StatusWaitSync, IP: "10.0.0.3"},
	}))
	assert.Equal(t, proto.StatusOnline, storageStatus(srv, "group1", "10.0.0.1"))
	assert.Equal(t, proto.StatusWaitSync, storageStatus(srv, "group1", "10.0.0.3"))

	// An empty list is a protocol error and ends the session.
	err = conn.ReplicaChange(nil)
	assert.ErrorIs(t, err, syscall.EINVAL)
	_, err = conn.Beat(nil)
	assert.Error(t, err)
}

func TestSession_IdleAfterFirstCommand(t *testing.T) {
	dir := cluster.New(cluster.Config{Logger: zerolog.Nop()})
	srv, err := NewServer(Config{NetworkTimeout: 50 * time.Millisecond, Directory: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)

	conn, closeConn := connect(t, srv, "10.0.0.1")
	defer closeConn()

	_, err = conn.Join("group1", 23000)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	_, err = conn.Beat(nil)
	assert.NoError(t, err, "idle polls keep an established session open")
}

func TestSession_IdleFreshConnectionCloses(t *testing.T) {
	dir := cluster.New(cluster.Config{Logger: zerolog.Nop()})
	srv, err := NewServer(Config{NetworkTimeout: 50 * time.Millisecond, Directory: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)

	c, s := testutil.Pipe("10.0.0.1")
	defer func() { _ = c.Close() }()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeConn(context.Background(), s)
		_ = s.Close()
	}()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("idle fresh session was not closed")
	}
}

func TestSession_UnknownCommandCloses(t *testing.T) {
	srv := newTestServer(t, cluster.PolicyRoundRobin)
	c, s := testutil.Pipe("10.0.0.1")
	defer func() { _ = c.Close() }()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeConn(context.Background(), s)
		_ = s.Close()
	}()

	require.NoError(t, proto.WriteHeader(c, proto.Cmd(250), 0, 0))
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("unknown command did not end the session")
	}
}

func TestServer_TCP(t *testing.T) {
	srv := newTestServer(t, cluster.PolicyRoundRobin)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer func() { _ = srv.Stop() }()

	conn, err := client.Dial(ctx, srv.Addr().String(), testTimeout)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	briefs, err := conn.Join("group1", 23000)
	require.NoError(t, err)
	require.Len(t, briefs, 1)
	assert.Equal(t, conn.LocalIP(), briefs[0].IP)

	groups, err := conn.ListGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "group1", groups[0].Name)
}
