package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"aufloes/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		check   func(t *testing.T, o *options)
		name    string
		args    []string
		wantErr bool
	}{
		{
			name: "server url only",
			args: []string{"https://dns10.quad9.net/dns-query"},
			check: func(t *testing.T, o *options) {
				assert.Equal(t, "https://dns10.quad9.net/dns-query", o.serverURL)
				assert.Equal(t, 0, o.port)
				assert.False(t, o.verbose)
			},
		},
		{
			name: "all flags",
			args: []string{"-p", "5353", "-v", "-ip", "9.9.9.10", "https://dns10.quad9.net/dns-query"},
			check: func(t *testing.T, o *options) {
				assert.Equal(t, 5353, o.port)
				assert.True(t, o.verbose)
				assert.Equal(t, "9.9.9.10", o.bootstrapIP)
			},
		},
		{
			name: "udp without url",
			args: []string{"-udp", "9.9.9.10:53"},
			check: func(t *testing.T, o *options) {
				assert.Equal(t, "9.9.9.10:53", o.udpAddress)
				assert.Empty(t, o.serverURL)
			},
		},
		{
			name: "config file without url",
			args: []string{"-config", "aufloes.yml"},
			check: func(t *testing.T, o *options) {
				assert.Equal(t, "aufloes.yml", o.configPath)
			},
		},
		{
			name: "version",
			args: []string{"-version"},
			check: func(t *testing.T, o *options) {
				assert.True(t, o.showVersion)
			},
		},
		{name: "missing url", args: []string{"-v"}, wantErr: true},
		{name: "two urls", args: []string{"https://a.example/dns-query", "https://b.example/dns-query"}, wantErr: true},
		{name: "url and udp", args: []string{"-udp", "9.9.9.10", "https://a.example/dns-query"}, wantErr: true},
		{name: "bad port", args: []string{"-p", "70000", "https://a.example/dns-query"}, wantErr: true},
		{name: "unknown flag", args: []string{"-x", "https://a.example/dns-query"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			opts, err := parseFlags(tt.args, &out)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, opts)
		})
	}
}

func TestParseFlagsHelp(t *testing.T) {
	var out bytes.Buffer
	_, err := parseFlags([]string{"-h"}, &out)
	assert.True(t, errors.Is(err, flag.ErrHelp))
	assert.Contains(t, out.String(), "Usage: aufloes")
}

func TestOptionsLoad(t *testing.T) {
	t.Run("defaults plus url", func(t *testing.T) {
		opts, err := parseFlags([]string{"-p", "5300", "-v", "-ip", "9.9.9.10", "https://dns10.quad9.net/dns-query"}, &bytes.Buffer{})
		require.NoError(t, err)

		cfg, err := opts.load("")
		require.NoError(t, err)
		assert.Equal(t, 5300, cfg.Server.Port)
		assert.Equal(t, []string{"127.0.0.1:5300", "[::1]:5300"}, cfg.Server.BindAddresses())
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, config.TransportHTTPS, cfg.Upstream.Transport)
		assert.Equal(t, "9.9.9.10", cfg.Upstream.BootstrapIP)
	})

	t.Run("flags override file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "aufloes.yml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 5353
upstream:
  url: "https://dns.example.net/dns-query"
logging:
  level: warn
`), 0600))

		opts, err := parseFlags([]string{"-config", path, "-udp", "192.0.2.53"}, &bytes.Buffer{})
		require.NoError(t, err)

		cfg, err := opts.load(path)
		require.NoError(t, err)
		assert.Equal(t, 5353, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, config.TransportUDP, cfg.Upstream.Transport)
		assert.Equal(t, "192.0.2.53", cfg.Upstream.Address)
	})

	t.Run("invalid bootstrap ip", func(t *testing.T) {
		opts, err := parseFlags([]string{"-ip", "nope", "https://dns.example.net/dns-query"}, &bytes.Buffer{})
		require.NoError(t, err)

		_, err = opts.load("")
		assert.ErrorContains(t, err, "bootstrap_ip")
	})

	t.Run("plain http url", func(t *testing.T) {
		opts, err := parseFlags([]string{"http://dns.example.net/dns-query"}, &bytes.Buffer{})
		require.NoError(t, err)

		_, err = opts.load("")
		assert.ErrorContains(t, err, "only https")
	})
}

func TestRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aufloes.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addresses: ["127.0.0.1:0"]
upstream:
  transport: udp
  address: "127.0.0.1:9"
logging:
  level: error
`), 0600))

	opts, err := parseFlags([]string{"-config", path}, &bytes.Buffer{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, opts) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestRunFailsOnBadConfig(t *testing.T) {
	opts, err := parseFlags([]string{"-ip", "nope", "https://dns.example.net/dns-query"}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Error(t, run(context.Background(), opts))
}

func TestRestartRequired(t *testing.T) {
	base := func() *config.Config {
		cfg := config.LoadWithDefaults()
		cfg.Upstream.URL = "https://dns.example.net/dns-query"
		return cfg
	}

	tests := []struct {
		change func(*config.Config)
		name   string
		want   []string
	}{
		{name: "unchanged", change: func(*config.Config) {}},
		{name: "level only", change: func(c *config.Config) { c.Logging.Level = "debug" }},
		{name: "port", change: func(c *config.Config) { c.Server.Port = 5353 }, want: []string{"server"}},
		{name: "upstream url", change: func(c *config.Config) { c.Upstream.URL = "https://other.example.net/dns-query" }, want: []string{"upstream"}},
		{name: "log format", change: func(c *config.Config) { c.Logging.Format = "json" }, want: []string{"logging"}},
		{
			name: "several sections",
			change: func(c *config.Config) {
				c.Upstream.Transport = config.TransportUDP
				c.Upstream.Address = "192.0.2.53:53"
				c.Telemetry.Enabled = true
			},
			want: []string{"upstream", "telemetry"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := base()
			tt.change(next)
			assert.Equal(t, tt.want, restartRequired(base(), next))
		})
	}
}
