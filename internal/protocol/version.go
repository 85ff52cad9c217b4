package protocol

import "strings"

// SemanticVersion is the control protocol version announced by both
// ends. Compatibility is judged on the major component only.
const SemanticVersion = "1.2.0"

// CompatibleVersion reports whether a peer's announced version can talk
// to this build.
func CompatibleVersion(peer string) bool {
	return majorOf(peer) == majorOf(SemanticVersion) && majorOf(peer) != ""
}

func majorOf(version string) string {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if i := strings.IndexByte(version, '.'); i >= 0 {
		return version[:i]
	}
	return version
}
