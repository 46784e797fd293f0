package pktwire

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pktwire.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
listen_addr = "127.0.0.1:4242"
max_frame_size = 1024
request_timeout = "5s"
sweep_interval = "250ms"
send_buffer_size = 8
correlator_shards = 4
strict_decode = true
`)

	conf, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:4242", conf.ListenAddr)
	require.Equal(t, 5*time.Second, conf.RequestTimeout.Duration)

	cfg, err := newConfig([]Option{WithConfig(conf)})
	require.NoError(t, err)
	require.Equal(t, 1024, cfg.maxFrameSize)
	require.Equal(t, 5*time.Second, cfg.requestTimeout)
	require.Equal(t, 250*time.Millisecond, cfg.sweepInterval)
	require.Equal(t, DefaultDialTimeout, cfg.dialTimeout)
	require.Equal(t, uint(8), cfg.sendBufferSize)
	require.Equal(t, uint(DefaultQueueSize), cfg.recvBufferSize)
	require.Equal(t, 4, cfg.correlatorShards)
	require.True(t, cfg.strictDecode)
	require.False(t, cfg.parallelDispatch)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown key":      `max_frame_sise = 10`,
		"bad duration":     `request_timeout = "soon"`,
		"not toml":         `request_timeout = `,
		"wrong value type": `correlator_shards = "many"`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, content))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_RejectedValues(t *testing.T) {
	path := writeConfig(t, `correlator_shards = -2`)
	conf, err := LoadConfig(path)
	require.NoError(t, err)

	_, err = NewEndpoint(nil, WithConfig(conf))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestDuration_MarshalText(t *testing.T) {
	text, err := Duration{90 * time.Second}.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "1m30s", string(text))
}
