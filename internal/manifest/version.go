package manifest

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// cleanRange reduces a simple range (^1.2.3, ~1.2, =1.0.0, v2.0.0) to the
// version it names. Compound ranges, wildcards, tags and URLs yield "".
func cleanRange(spec string) string {
	v := strings.TrimSpace(spec)
	v = strings.TrimLeft(v, "^~=")
	v = strings.TrimPrefix(v, "v")
	v = strings.TrimSpace(v)

	if v == "" || strings.ContainsAny(v, " ,|<>*") {
		return ""
	}
	if strings.Contains(v, "://") || strings.HasPrefix(v, "git") || strings.HasPrefix(v, "file:") {
		return ""
	}
	if v[0] < '0' || v[0] > '9' {
		return ""
	}
	for _, seg := range strings.Split(strings.SplitN(v, "-", 2)[0], ".") {
		if seg == "x" || seg == "X" {
			return ""
		}
	}
	return v
}

// normalizeSemver expands partial versions ("1.2" -> "1.2.0") so registries
// that need a full version can serve them. Non-semver input is returned as is.
func normalizeSemver(v string) string {
	sv, err := semver.NewVersion(v)
	if err != nil {
		return v
	}
	return sv.String()
}

// pickLocked chooses the locked version satisfying the manifest requirement,
// or the highest locked version when the requirement cannot be parsed.
func pickLocked(candidates []string, requirement string) string {
	if len(candidates) == 0 {
		return ""
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	req := strings.TrimSpace(requirement)
	if req != "" && req[0] >= '0' && req[0] <= '9' {
		// Cargo treats a bare requirement as a caret requirement
		req = "^" + req
	}
	constraint, cerr := semver.NewConstraint(req)

	var best *semver.Version
	bestRaw := candidates[0]
	for _, c := range candidates {
		sv, err := semver.NewVersion(c)
		if err != nil {
			continue
		}
		if cerr == nil && !constraint.Check(sv) {
			continue
		}
		if best == nil || sv.GreaterThan(best) {
			best = sv
			bestRaw = c
		}
	}
	return bestRaw
}
