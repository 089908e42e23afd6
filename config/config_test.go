package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	cfg, err := Decode(strings.NewReader(`
listen: 127.0.0.1:9000
timeout: 10s
log_level: debug
upstream_headers:
  - "User-Agent: cencstrip"
  - "Referer: https://example.com/"
keys:
  - eb676abbcb345e96bbcf616630f1a3da:100b6c20940f779a4589152b57d2dacb
scheme: cenc
parallel: 4
cache:
  memory_ttl: 1m
  file_ttl: -1s
`))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Listen)
	require.Equal(t, 10*time.Second, cfg.Timeout)
	require.Equal(t, 4, cfg.Parallel)
	require.Len(t, cfg.UpstreamHeaders, 2)
	require.Equal(t, time.Minute, cfg.Cache.MemoryTTL)
	require.Less(t, cfg.Cache.FileTTL, time.Duration(0))
	// Unset fields keep their defaults.
	require.Equal(t, 5, cfg.MaxRedirects)
	require.Equal(t, 30*time.Minute, cfg.Cache.InitTTL)
	require.Equal(t, "cache", cfg.Cache.Dir)

	ks, err := cfg.Keystore()
	require.NoError(t, err)
	require.Equal(t, []string{"eb676abbcb345e96bbcf616630f1a3da"}, ks.KIDs())
}

func TestDecodeEmpty(t *testing.T) {
	cfg, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestDecodeErrors(t *testing.T) {
	for _, in := range []string{
		"listn: :80",
		"timeout: 0s",
		"parallel: 0",
		"scheme: cens",
		"upstream_headers: [nocolon]",
		"listen: [",
	} {
		_, err := Decode(strings.NewReader(in))
		require.Error(t, err, in)
	}

	cfg, err := Decode(strings.NewReader("keys: [zz]"))
	require.NoError(t, err)
	_, err = cfg.Keystore()
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: :7000\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Listen)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	require.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	require.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}
