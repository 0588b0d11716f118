package gateway

import (
	"fmt"
	"strings"

	semver "github.com/Masterminds/semver/v3"
)

// DefaultVersionConstraint is the gateway protocol range this relay speaks.
const DefaultVersionConstraint = ">= 1.2.0, < 2.0.0"

// CheckGatewayVersion validates the version the gateway announced in its
// hello frame against a semver constraint. A gateway outside the range is a
// hard connection failure, not something to retry around.
func CheckGatewayVersion(version, constraint string) error {
	if version == "" {
		return fmt.Errorf("gateway announced no version")
	}

	v, err := semver.NewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return fmt.Errorf("unparseable gateway version %q: %w", version, err)
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}

	if !c.Check(v) {
		return fmt.Errorf("gateway version %s outside supported range %s", version, constraint)
	}
	return nil
}
