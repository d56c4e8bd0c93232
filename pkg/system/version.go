package system

// Version is the library version, overridden at build time via
// -ldflags "-X github.com/moreonion/mogin/pkg/system.Version=...".
var Version = "0.0.0-dev"

// Commit is the git commit the build was made from.
var Commit = ""
