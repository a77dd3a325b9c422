package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apoxy-dev/webserv/config"
)

func TestConfigLoad(t *testing.T) {
	t.Run("File", func(t *testing.T) {
		config.ConfigFile = "testdata/webserv.yaml"
		t.Cleanup(func() { config.ConfigFile = "" })

		cfg, err := config.Load()
		require.NoError(t, err)

		autoIndex := true
		assert.Equal(t, &config.Config{
			LogLevel:    "debug",
			MetricsAddr: "127.0.0.1:9090",
			Servers: []config.Server{{
				Listen:      []string{"127.0.0.1:8080", "[::1]:8080"},
				ServerNames: []string{"localhost", "example.test"},
				Root:        "/srv/www",
				Index:       "index.html",
				ErrorPages: map[int]string{
					404: "/errors/404.html",
					500: "/errors/500.html",
				},
				Allow:             []string{"127.0.0.0/8", "::1"},
				Deny:              []string{"127.0.0.2"},
				HeaderBufferSize:  config.DefaultHeaderBufferSize,
				SendBufferSize:    config.DefaultSendBufferSize,
				ClientMaxBodySize: config.DefaultClientMaxBodySize,
				KeepaliveTimeout:  10 * time.Second,
				CGITimeout:        2 * time.Second,
				Locations: []config.Location{
					{Prefix: "/"},
					{Prefix: "/files/", AutoIndex: &autoIndex},
					{
						Prefix:  "/cgi-bin/",
						Root:    "/srv/cgi",
						Methods: []string{"GET", "POST"},
						CGI: &config.CGI{
							Extensions:   []string{".py", ".sh"},
							Interpreters: map[string]string{".py": "/usr/bin/python3"},
						},
					},
				},
			}},
		}, cfg)
	})

	t.Run("Missing", func(t *testing.T) {
		config.ConfigFile = filepath.Join(t.TempDir(), "nope.yaml")
		t.Cleanup(func() { config.ConfigFile = "" })

		_, err := config.Load()
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := config.LoadFile("testdata/invalid.yaml")
		require.Error(t, err)
		for _, want := range []string{
			`invalid listen address "localhost"`,
			"root is required",
			`invalid prefix "10.0.0.0/33"`,
			"error page for non-error status 200",
			`prefix "cgi-bin" must start with /`,
			`unknown method "PUT"`,
			`cgi extension "py" must start with a dot`,
		} {
			assert.ErrorContains(t, err, want)
		}
	})
}

func TestConfigSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "webserv.yaml")

	cfg := &config.Config{
		LogLevel: "warn",
		Servers: []config.Server{{
			Listen: []string{"0.0.0.0:80"},
			Root:   "/var/www",
		}},
	}
	cfg.SetDefaults()
	require.NoError(t, config.Store(cfg, path))

	readBackCfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, readBackCfg)
}

func TestParsePrefix(t *testing.T) {
	p, err := config.ParsePrefix("10.1.2.3/8")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8", p.String())

	p, err = config.ParsePrefix("::1")
	require.NoError(t, err)
	assert.Equal(t, "::1/128", p.String())

	_, err = config.ParsePrefix("not-an-ip")
	require.Error(t, err)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "webserv.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers: [{listen: ['127.0.0.1:8080'], root: /a}]\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reloaded := make(chan *config.Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- config.Watch(ctx, path, func(cfg *config.Config) {
			reloaded <- cfg
		})
	}()

	// Give the watcher a moment to install itself, then keep rewriting until
	// the change is observed.
	deadline := time.After(5 * time.Second)
	for {
		require.NoError(t, os.WriteFile(path, []byte("servers: [{listen: ['127.0.0.1:8080'], root: /b}]\n"), 0644))
		select {
		case cfg := <-reloaded:
			assert.Equal(t, "/b", cfg.Servers[0].Root)
			cancel()
			require.NoError(t, <-done)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("configuration was not reloaded")
		}
	}
}
