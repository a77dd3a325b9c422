package build

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerSoftware(t *testing.T) {
	assert.True(t, IsDev())
	assert.Equal(t, "0.0.0-dev", Version())
	assert.Equal(t, "webserv/0.0.0-dev", ServerSoftware())

	BuildVersion, CommitHash, BuildDate = "1.2.3", "abc123", "2024-01-01"
	t.Cleanup(func() {
		BuildVersion, CommitHash, BuildDate = devBuildVersion, "n/a", "n/a"
	})
	assert.False(t, IsDev())
	assert.Equal(t, "1.2.3 (abc123), built 2024-01-01", Version())
	assert.Equal(t, "webserv/1.2.3 (abc123)", ServerSoftware())
}
