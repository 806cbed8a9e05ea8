package config

import (
	"os"
)

// candidatePaths are probed in order when no path is given explicitly.
var candidatePaths = []string{
	"./config.yaml",
	"./config.yml",
	"/etc/roomrelay/config.yaml",
}

// ResolvePath picks the config file to load: the explicit flag value, then
// ROOMRELAY_CONFIG, then the first candidate that exists. An empty result
// means "defaults only".
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := getString("ROOMRELAY_CONFIG", ""); p != "" {
		return p
	}
	for _, p := range candidatePaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
