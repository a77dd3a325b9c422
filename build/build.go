package build

import (
	"fmt"
	"strings"
)

var (
	devBuildVersion = "0.0.0-dev"
	BuildVersion    = "0.0.0-dev"
	BuildDate       = "n/a"
	CommitHash      = "n/a"
)

// IsDev returns true if the build is a development build.
func IsDev() bool {
	return strings.HasSuffix(BuildVersion, "-dev")
}

// Version returns the version string in the format of "vX.Y.Z (<commit>), built <date>".
func Version() string {
	if BuildVersion == devBuildVersion {
		return BuildVersion
	}
	return fmt.Sprintf("%s (%s), built %s", BuildVersion, CommitHash, BuildDate)
}

// ServerSoftware returns the product token sent in the server header and
// passed to CGI programs as SERVER_SOFTWARE.
func ServerSoftware() string {
	if IsDev() {
		return "webserv/" + BuildVersion
	}
	return fmt.Sprintf("webserv/%s (%s)", BuildVersion, CommitHash)
}
