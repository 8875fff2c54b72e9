// Package common holds process-wide helpers shared by the binaries.
package common

// PackageName is used as the metrics namespace.
const PackageName = "octagon"

// Version is overwritten at build time with -ldflags.
var Version = "dev"
