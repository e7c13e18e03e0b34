// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 45*time.Second, cfg.PendingTTL)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
pendingTTL: 90s
redis:
  addr: "localhost:6379"
users:
  - token: sup-token
    id: sup-1
    email: sup@co.com
    roles: [supervisor]
employees:
  - email: alice@co.com
    role: employee
    active: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 90*time.Second, cfg.PendingTTL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "sup@co.com", cfg.Users[0].Email)
	require.Len(t, cfg.Employees, 1)
	assert.True(t, cfg.Employees[0].Active)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9090\"\n"), 0o600))

	t.Setenv("SHIFTCAM_LISTEN", ":7070")
	t.Setenv("SHIFTCAM_PENDING_TTL", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, 2*time.Minute, cfg.PendingTTL)
}

func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pendingTTL: -1s\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
