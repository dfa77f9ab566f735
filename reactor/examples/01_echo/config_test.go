package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joeycumines/go-reactor/reactor"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConfig(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, decodeConfig([]byte(`
listen: 0.0.0.0:9000
threads: 4
reuse_port: true
tcp_no_delay: true
log_level: debug
`), &cfg))
	assert.Equal(t, Config{
		Listen:        "0.0.0.0:9000",
		LogLevel:      "debug",
		Threads:       4,
		HighWaterMark: reactor.DefaultHighWaterMark,
		ReusePort:     true,
		TCPNoDelay:    true,
	}, cfg)
}

func TestDecodeConfig_unknownKey(t *testing.T) {
	cfg := defaultConfig()
	assert.Error(t, decodeConfig([]byte("listen: 127.0.0.1:1\nbogus: 1\n"), &cfg))
}

func TestLoadConfigFile_missing(t *testing.T) {
	cfg := defaultConfig()
	assert.Error(t, loadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"), &cfg))
}

func TestConfig_validate(t *testing.T) {
	addr, level, err := defaultConfig().validate()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2007", addr.String())
	assert.Equal(t, logiface.LevelInformational, level)

	for _, mutate := range []func(*Config){
		func(c *Config) { c.Listen = "localhost" },
		func(c *Config) { c.Threads = -1 },
		func(c *Config) { c.HighWaterMark = 0 },
		func(c *Config) { c.LogLevel = "loud" },
	} {
		cfg := defaultConfig()
		mutate(&cfg)
		_, _, err := cfg.validate()
		assert.Error(t, err)
	}
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]logiface.Level{
		"disabled": logiface.LevelDisabled,
		"err":      logiface.LevelError,
		"warning":  logiface.LevelWarning,
		"info":     logiface.LevelInformational,
		"debug":    logiface.LevelDebug,
		"trace":    logiface.LevelTrace,
	} {
		got, err := parseLevel(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
}

func TestRootCommand_flagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 127.0.0.1:1\nthreads: 8\nlog_level: trace\n"), 0o600))

	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--threads", "2"}))

	var flagCfg Config
	flagCfg.Threads = 2
	cfg := defaultConfig()
	require.NoError(t, loadConfigFile(path, &cfg))
	applyFlags(cmd, &flagCfg, &cfg)

	assert.Equal(t, "127.0.0.1:1", cfg.Listen, "unset flags leave the file value")
	assert.Equal(t, 2, cfg.Threads, "set flags win")
	assert.Equal(t, "trace", cfg.LogLevel)
}
