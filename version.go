package sluice

// Version is the release of the sluice module. Overridden at build time with
// -ldflags "-X github.com/aretw0/sluice.Version=...".
var Version = "0.3.0-dev"
