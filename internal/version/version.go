package version

// Version is overridden at build time with -ldflags "-X geoingest/internal/version.Version=...".
var Version = "dev"
