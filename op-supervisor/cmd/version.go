package main

import "fmt"

// Version and Meta are set via -ldflags at build time.
var (
	Version = "v0.0.0"
	Meta    = "dev"
)

func VersionWithMeta() string {
	return fmt.Sprintf("%s-%s", Version, Meta)
}
