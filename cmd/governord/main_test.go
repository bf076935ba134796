package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-governor/internal/config"
)

func TestNewStreamConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.MaxStreamClients = 7
	cfg.API.AllowedOrigins = []string{"https://console.example"}

	sc := newStreamConfig(cfg)
	assert.Equal(t, 7, sc.MaxConnections)
	assert.Equal(t, []string{"https://console.example"}, sc.AllowedOrigins)
	assert.Positive(t, sc.ReadBufferSize)
}

func TestRun_RejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o600))

	err := run(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}
