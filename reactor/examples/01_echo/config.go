package main

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"

	"github.com/joeycumines/go-reactor/reactor"
	"github.com/joeycumines/logiface"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the echo server's configuration, loaded from an optional YAML
// file, with explicitly set flags taking precedence.
type Config struct {
	Listen         string `yaml:"listen"`
	LogLevel       string `yaml:"log_level"`
	Threads        int    `yaml:"threads"`
	HighWaterMark  int    `yaml:"high_water_mark"`
	ReusePort      bool   `yaml:"reuse_port"`
	TCPNoDelay     bool   `yaml:"tcp_no_delay"`
	CloseAfterEcho bool   `yaml:"close_after_echo"`
}

func defaultConfig() Config {
	return Config{
		Listen:        "127.0.0.1:2007",
		LogLevel:      "info",
		HighWaterMark: reactor.DefaultHighWaterMark,
	}
}

// loadConfigFile overlays the YAML file at path onto cfg. Unknown keys are
// rejected.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return decodeConfig(data, cfg)
}

func decodeConfig(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// applyFlags copies every flag the user explicitly set from src to dst.
func applyFlags(cmd *cobra.Command, src, dst *Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		dst.Listen = src.Listen
	}
	if flags.Changed("log-level") {
		dst.LogLevel = src.LogLevel
	}
	if flags.Changed("threads") {
		dst.Threads = src.Threads
	}
	if flags.Changed("high-water-mark") {
		dst.HighWaterMark = src.HighWaterMark
	}
	if flags.Changed("reuse-port") {
		dst.ReusePort = src.ReusePort
	}
	if flags.Changed("tcp-no-delay") {
		dst.TCPNoDelay = src.TCPNoDelay
	}
	if flags.Changed("close-after-echo") {
		dst.CloseAfterEcho = src.CloseAfterEcho
	}
}

// validate resolves the listen address and log level.
func (c Config) validate() (netip.AddrPort, logiface.Level, error) {
	addr, err := netip.ParseAddrPort(c.Listen)
	if err != nil {
		return netip.AddrPort{}, 0, fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if c.Threads < 0 {
		return netip.AddrPort{}, 0, fmt.Errorf("invalid thread count %d", c.Threads)
	}
	if c.HighWaterMark <= 0 {
		return netip.AddrPort{}, 0, fmt.Errorf("invalid high water mark %d", c.HighWaterMark)
	}
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return netip.AddrPort{}, 0, err
	}
	return addr, level, nil
}

// parseLevel accepts the short syslog keywords used by logiface, e.g.
// "err", "info", "trace", plus "disabled".
func parseLevel(s string) (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf("invalid log level %q", s)
}
