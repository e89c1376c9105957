// Package buildinfo holds build-time metadata kept apart from user configuration.
package buildinfo

import "fmt"

const unknown = "unknown"

// Context is injected at startup from linker flags.
type Context struct {
	// Version is the git version tag of the build.
	Version string
	// BuildDate is the time the binary was built.
	BuildDate string
}

// GetVersion returns the version or "unknown".
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return unknown
	}
	return c.Version
}

// GetBuildDate returns the build date or "unknown".
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return unknown
	}
	return c.BuildDate
}

// Release is the release name reported with error telemetry.
func (c *Context) Release() string {
	return "forcedaq@" + c.GetVersion()
}

// String is the text printed by --version.
func (c *Context) String() string {
	return fmt.Sprintf("%s (built %s)", c.GetVersion(), c.GetBuildDate())
}
