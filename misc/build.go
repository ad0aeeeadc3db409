package misc

import "fmt"

// These variables are changed in compile time.
var (
	// Build is an application build time.
	Build = "now"

	// Version is an application version.
	Version = "dev"
)

// BuildInfo returns a human readable name/version/build line for name.
func BuildInfo(name string) string {
	return fmt.Sprintf("%s\nVersion: %s\nBuild: %s\n", name, Version, Build)
}
