// Package common holds process-wide metadata and logging setup shared by all
// binaries in this repository.
package common

// Version is set at build time via -ldflags.
var Version = "dev"

// PackageName identifies this service in logs and metrics.
const PackageName = "hsm-key-management-backend"
