package log_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apoxy-dev/webserv/pkg/log"
)

func TestParseLevel(t *testing.T) {
	l, err := log.ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, log.DebugLevel, l)

	l, err = log.ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, log.WarnLevel, l)

	_, err = log.ParseLevel("loud")
	require.Error(t, err)
}

func TestInitLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webserv.log")
	require.NoError(t, log.Init(log.WithLogFile(path), log.WithLevelString("debug")))
	t.Cleanup(log.Disable)

	log.Debugf("accepted %d connections", 3)
	log.Infof("listening on %s", "127.0.0.1:8080")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.True(t, strings.Contains(out, "accepted 3 connections"), out)
	assert.True(t, strings.Contains(out, "source=logger_test.go"), out)
}
