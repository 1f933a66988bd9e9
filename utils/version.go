package utils

import (
	"strings"

	"github.com/hashicorp/go-version"
)

// VersionConfig holds current version requirements
type VersionConfig struct {
	CurrentStable string `mapstructure:"current_stable"`
	MinSupported  string `mapstructure:"min_supported"`
	Deprecated    string `mapstructure:"deprecated"`
}

var DefaultVersionConfig = VersionConfig{
	CurrentStable: "0.8.0",
	MinSupported:  "0.7.3",
	Deprecated:    "0.7.2",
}

const (
	VersionCurrent    = "current"
	VersionOutdated   = "outdated"
	VersionDeprecated = "deprecated"
	VersionUnknown    = "unknown"
)

// VersionStatus classifies a node's reported software version. It is
// informational only and does not feed the performance score.
func VersionStatus(nodeVersion string, cfg *VersionConfig) string {
	if cfg == nil {
		cfg = &DefaultVersionConfig
	}

	nodeVer, err := parseVersion(nodeVersion)
	if err != nil {
		return VersionUnknown
	}

	if deprecated, err := parseVersion(cfg.Deprecated); err == nil && nodeVer.LessThan(deprecated) {
		return VersionDeprecated
	}
	if minSupported, err := parseVersion(cfg.MinSupported); err == nil && nodeVer.LessThan(minSupported) {
		return VersionOutdated
	}
	if current, err := parseVersion(cfg.CurrentStable); err == nil && nodeVer.Core().LessThan(current) {
		return VersionOutdated
	}
	return VersionCurrent
}

// VersionLabel is the key used in version distributions: the semver core
// when parseable, the raw string otherwise.
func VersionLabel(nodeVersion string) string {
	if strings.TrimSpace(nodeVersion) == "" {
		return VersionUnknown
	}
	v, err := parseVersion(nodeVersion)
	if err != nil {
		return strings.TrimSpace(nodeVersion)
	}
	return v.Core().String()
}

func parseVersion(s string) (*version.Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	return version.NewVersion(s)
}
