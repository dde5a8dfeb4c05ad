// Package opservice holds small helpers shared by every op-stack service's
// CLI flag definitions.
package opservice

import "strings"

// PrefixEnvVar returns the single canonical SCREAMING_SNAKE_CASE
// environment variable name for a flag, given the service's env prefix.
func PrefixEnvVar(prefix, suffix string) []string {
	return []string{strings.ToUpper(prefix) + "_" + suffix}
}
