package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apoxy-dev/webserv/build"
	"github.com/apoxy-dev/webserv/config"
)

const routesConfig = `
servers:
  - listen: ["127.0.0.1:8080"]
    server_names: ["example.test"]
    root: /srv/www
    index: index.html
    locations:
      - prefix: /
      - prefix: /cgi-bin/
        methods: [GET, POST]
        cgi:
          extensions: [".sh", ".py"]
`

func execute(t *testing.T, args ...string) string {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		config.ConfigFile = ""
	})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestRoutesCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webserv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routesConfig), 0644))

	out := execute(t, "routes", "--config", path)
	assert.Contains(t, out, "PREFIX")
	assert.Contains(t, out, "example.test")
	assert.Contains(t, out, "/cgi-bin/")
	assert.Contains(t, out, "GET,POST")
	assert.Contains(t, out, ".sh,.py")
}

func TestRoutesCommandInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webserv.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers: []\n"), 0644))

	rootCmd.SetArgs([]string{"routes", "--config", path})
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		config.ConfigFile = ""
	})
	err := rootCmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one server is required")
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "version")
	assert.Equal(t, build.Version()+"\n", out)
}

func TestGenerateDocs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateDocs(dir))

	b, err := os.ReadFile(filepath.Join(dir, "webserv.md"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "webserv serve")
	assert.Contains(t, string(b), "webserv routes")
	assert.NotContains(t, string(b), "cgi-exec")

	_, err = os.Stat(filepath.Join(dir, "webserv_serve.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestInitLogging(t *testing.T) {
	t.Cleanup(func() { logLevel = "" })

	require.NoError(t, initLogging(&config.Config{LogLevel: "warn"}))

	logLevel = "loud"
	require.Error(t, initLogging(&config.Config{LogLevel: "warn"}))
}
