package svc

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRunArgs(t *testing.T) {
	role, path, ok := ParseRunArgs([]string{"filemesh", RunFlag, RoleStorage, "--config", "/etc/filemesh/storage.yaml"})
	require.True(t, ok)
	assert.Equal(t, RoleStorage, role)
	assert.Equal(t, "/etc/filemesh/storage.yaml", path)

	_, _, ok = ParseRunArgs([]string{"filemesh", "storage", "-c", "x.yaml"})
	assert.False(t, ok)

	_, _, ok = ParseRunArgs([]string{"filemesh", RunFlag})
	assert.False(t, ok)
}

func TestServiceConfig(t *testing.T) {
	cfg := Config{Role: RoleTracker}
	cfg.applyDefaults()
	assert.Equal(t, "filemesh-tracker", cfg.Name)
	assert.Equal(t, "tracker.yaml", filepath.Base(cfg.ConfigPath))

	sc := serviceConfig(cfg)
	assert.Equal(t, []string{RunFlag, RoleTracker, "--config", cfg.ConfigPath}, sc.Arguments)

	role, path, ok := ParseRunArgs(append([]string{"filemesh"}, sc.Arguments...))
	require.True(t, ok)
	assert.Equal(t, RoleTracker, role)
	assert.Equal(t, cfg.ConfigPath, path)
}

func TestValidateRole(t *testing.T) {
	assert.NoError(t, ValidateRole(RoleTracker))
	assert.NoError(t, ValidateRole(RoleStorage))
	assert.Error(t, ValidateRole("client"))

	_, err := newService(nil, Config{Role: "client"})
	assert.Error(t, err)
}

func TestProgram_StartStop(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		ConfigPath: "storage.yaml",
		Run: func(ctx context.Context, path string) error {
			started <- path
			<-ctx.Done()
			return ctx.Err()
		},
	}
	require.NoError(t, prg.Start(nil))
	assert.Equal(t, "storage.yaml", <-started)
	require.NoError(t, prg.Stop(nil))
}

func TestProgram_StopReportsFailure(t *testing.T) {
	boom := errors.New("boom")
	prg := &Program{Run: func(context.Context, string) error { return boom }}
	require.NoError(t, prg.Start(nil))
	assert.ErrorIs(t, prg.Stop(nil), boom)

	assert.Error(t, (&Program{}).Start(nil))
}
