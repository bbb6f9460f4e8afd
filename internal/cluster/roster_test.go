package cluster

import (
	"os"
	"strings"
	"testing"

	"github.com/filemesh/filemesh/pkg/proto"
	"github.com/filemesh/filemesh/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRoster_SaveAndRestore(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	roster := NewFileRoster(dir)
	d := New(Config{Persister: roster, Logger: zerolog.Nop()})
	addOnline(t, d, "group1", "10.0.0.1", 100)
	_, err := d.AddGroupAndStorage("group1", "10.0.0.2", 23000)
	require.NoError(t, err)
	require.NoError(t, d.SyncNotify("group1", "10.0.0.2", proto.SyncSource{IP: "10.0.0.1", Until: 99}))

	groups, err := roster.Load()
	require.NoError(t, err)
	require.Len(t, groups, 1)

	restored := New(Config{Logger: zerolog.Nop()})
	restored.Restore(groups)

	g := restored.Current().Group("group1")
	require.NotNil(t, g)
	assert.Equal(t, 23000, g.StoragePort)
	assert.Equal(t, proto.StatusOffline, g.Storage("10.0.0.1").Status, "serving storages come back offline")
	st := g.Storage("10.0.0.2")
	assert.Equal(t, proto.StatusWaitSync, st.Status)
	assert.Equal(t, "10.0.0.1", st.SyncSrc)
	assert.Empty(t, g.Active)

	// Rejoining brings the offline storage back.
	_, err = restored.AddGroupAndStorage("group1", "10.0.0.1", 23000)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusOnline, restored.Current().Group("group1").Storage("10.0.0.1").Status)
}

func TestFileRoster_MissingFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	groups, err := NewFileRoster(dir).Load()
	require.NoError(t, err)
	assert.Nil(t, groups)
}

func TestFileRoster_ChecksumMismatch(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	roster := NewFileRoster(dir)
	d := New(Config{Persister: roster, Logger: zerolog.Nop()})
	_, err := d.AddGroupAndStorage("group1", "10.0.0.1", 23000)
	require.NoError(t, err)

	data, err := os.ReadFile(roster.Path())
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "10.0.0.1", "10.0.0.7", 1)
	require.NoError(t, os.WriteFile(roster.Path(), []byte(tampered), 0644))

	_, err = roster.Load()
	assert.ErrorContains(t, err, "checksum mismatch")
}
