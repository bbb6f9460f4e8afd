//go:build linux

package storage

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/filemesh/filemesh/internal/client"
	"github.com/filemesh/filemesh/internal/cluster"
	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/tracker"
	"github.com/filemesh/filemesh/pkg/proto"
	"github.com/filemesh/filemesh/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clusterTimeout = 10 * time.Second

// requireLoopbackAlias skips the test when ip is not routable locally.
func requireLoopbackAlias(t *testing.T, ip string) {
	t.Helper()
	l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	if err != nil {
		t.Skipf("loopback address %s unavailable: %v", ip, err)
	}
	_ = l.Close()
}

func startTracker(t *testing.T) *tracker.Server {
	t.Helper()
	srv, err := tracker.NewServer(tracker.Config{
		Listen:         "127.0.0.1:0",
		NetworkTimeout: testTimeout,
		Directory:      cluster.New(cluster.Config{Policy: cluster.PolicyRoundRobin, Logger: zerolog.Nop()}),
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	return srv
}

func startNode(t *testing.T, ip string, port int, trackerAddr string) *Node {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)

	cfg := &config.StorageConfig{
		GroupName:          testGroup,
		BindAddr:           ip,
		Port:               port,
		BasePath:           dir,
		TrackerServers:     []string{trackerAddr},
		NetworkTimeout:     testTimeout,
		HeartBeatInterval:  50 * time.Millisecond,
		StatReportInterval: 100 * time.Millisecond,
		SyncWaitInterval:   10 * time.Millisecond,
		SyncRetryInterval:  50 * time.Millisecond,
	}
	cfg.ApplyDefaults()

	n, err := NewNode(cfg, NodeOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	return n
}

func status(srv *tracker.Server, ip string) proto.StorageStatus {
	g := srv.Directory().Current().Group(testGroup)
	if g == nil || g.Storage(ip) == nil {
		return 255
	}
	return g.Storage(ip).Status
}

func TestNode_ReplicatesAcrossGroup(t *testing.T) {
	requireLoopbackAlias(t, "127.0.0.2")
	requireLoopbackAlias(t, "127.0.0.3")

	trk := startTracker(t)
	defer func() { _ = trk.Stop() }()
	trackerAddr := trk.Addr().String()
	port := testutil.FreePort(t)

	a := startNode(t, "127.0.0.2", port, trackerAddr)
	defer func() { require.NoError(t, a.Stop()) }()

	require.True(t, testutil.WaitFor(t, clusterTimeout, func() bool {
		return status(trk, "127.0.0.2") == proto.StatusActive
	}), "first node never became active")

	// A file uploaded before the second node joins is handed over as an
	// old file.
	conn, err := client.Dial(context.Background(), a.Addr().String(), testTimeout)
	require.NoError(t, err)
	old, err := conn.Upload("txt", []proto.MetaPair{{Name: "k", Value: "v"}}, strings.NewReader("old file"), 8)
	require.NoError(t, err)
	require.NoError(t, conn.Quit())
	_ = conn.Close()

	require.True(t, testutil.WaitFor(t, clusterTimeout, func() bool {
		return trk.Directory().Current().Group(testGroup).SuccessUploads() > 0
	}), "upload never reported to the tracker")

	b := startNode(t, "127.0.0.3", port, trackerAddr)
	defer func() { require.NoError(t, b.Stop()) }()

	require.True(t, testutil.WaitFor(t, clusterTimeout, func() bool {
		return b.Store().Exists(old.Filename) && b.Store().Exists(MetaName(old.Filename))
	}), "old file not replicated")
	require.True(t, testutil.WaitFor(t, clusterTimeout, func() bool {
		return status(trk, "127.0.0.3").Serving()
	}), "second node never went online")

	// New writes flow both ways.
	conn, err = client.Dial(context.Background(), a.Addr().String(), testTimeout)
	require.NoError(t, err)
	fresh, err := conn.Upload("", nil, strings.NewReader("fresh"), 5)
	require.NoError(t, err)
	_ = conn.Close()

	require.True(t, testutil.WaitFor(t, clusterTimeout, func() bool {
		return b.Store().Exists(fresh.Filename)
	}), "new file not replicated")

	conn, err = client.Dial(context.Background(), b.Addr().String(), testTimeout)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = conn.Download(fresh, &buf)
	require.NoError(t, err)
	assert.Equal(t, "fresh", buf.String())
	require.NoError(t, conn.Delete(old))
	_ = conn.Close()

	require.True(t, testutil.WaitFor(t, clusterTimeout, func() bool {
		return !a.Store().Exists(old.Filename) && !a.Store().Exists(MetaName(old.Filename))
	}), "delete not replicated")
}

func TestNode_RestartKeepsInitFlag(t *testing.T) {
	requireLoopbackAlias(t, "127.0.0.2")

	trk := startTracker(t)
	defer func() { _ = trk.Stop() }()

	n := startNode(t, "127.0.0.2", testutil.FreePort(t), trk.Addr().String())
	require.True(t, testutil.WaitFor(t, clusterTimeout, func() bool {
		return n.Store().Exists(InitFlagFile)
	}))
	require.NoError(t, n.Stop())

	src, err := loadInitFlag(n.Store().Path(InitFlagFile))
	require.NoError(t, err)
	assert.Equal(t, proto.SyncSource{}, src, "a lone member has nothing to copy")
	assert.Nil(t, n.Err())
}
