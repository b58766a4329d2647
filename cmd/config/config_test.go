package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		wantCfg *Config
	}{
		{
			name: "defaults (no env set)",
			env:  map[string]string{},
			wantCfg: &Config{
				Port:             9222,
				PingIntervalSec:  15,
				PongMissLimit:    3,
				CallTimeoutSec:   30,
				AttachTimeoutSec: 10,
				ClientQueueSize:  256,
				ReadLimitBytes:   104857600,
			},
		},
		{
			name: "custom valid env",
			env: map[string]string{
				"RELAY_PORT":               "19222",
				"RELAY_PING_INTERVAL_SEC":  "5",
				"RELAY_ATTACH_TIMEOUT_SEC": "3",
				"RELAY_LOG_CDP_FRAMES":     "true",
			},
			wantCfg: &Config{
				Port:             19222,
				PingIntervalSec:  5,
				PongMissLimit:    3,
				CallTimeoutSec:   30,
				AttachTimeoutSec: 3,
				ClientQueueSize:  256,
				ReadLimitBytes:   104857600,
				LogCDPFrames:     true,
			},
		},
		{
			name: "port out of range",
			env: map[string]string{
				"RELAY_PORT": "70000",
			},
			wantErr: true,
		},
		{
			name: "zero ping interval",
			env: map[string]string{
				"RELAY_PING_INTERVAL_SEC": "0",
			},
			wantErr: true,
		},
		{
			name: "zero queue size",
			env: map[string]string{
				"RELAY_CLIENT_QUEUE_SIZE": "0",
			},
			wantErr: true,
		},
	}

	for idx := range testCases {
		tc := testCases[idx]
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()

			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				require.Equal(t, tc.wantCfg, cfg)
			}
		})
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 18111\nattachTimeoutSec: 2\n"), 0644))
	t.Setenv("RELAY_CONFIG_FILE", path)
	t.Setenv("RELAY_PING_INTERVAL_SEC", "7")

	cfg, err := Load()
	require.NoError(t, err)
	// File values override env-derived ones; untouched fields keep env/defaults.
	require.Equal(t, 18111, cfg.Port)
	require.Equal(t, 2, cfg.AttachTimeoutSec)
	require.Equal(t, 7, cfg.PingIntervalSec)
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("RELAY_CONFIG_FILE", "/tmp/definitely-not-here.yaml")
	_, err := Load()
	require.Error(t, err)
}
