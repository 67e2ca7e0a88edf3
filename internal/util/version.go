package util

// Version is the fieldlink release, overridden at build time with
// -ldflags "-X github.com/fieldlink-project/fieldlink/internal/util.Version=...".
var Version = "0.3.0-dev"
