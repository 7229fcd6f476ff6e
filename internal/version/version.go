// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

// Package version parses and compares client version strings for the
// minimum-version gate.
package version

import (
	"strconv"
	"strings"
)

// Semver is a parsed (major, minor, patch) version. Pre-release and build
// metadata are ignored for gating purposes.
type Semver struct {
	Major, Minor, Patch int
}

// Parse parses strings like "1.2.3", "v1.2.3", or "1.2.3-rc1+build". It
// returns false for anything that is not three dot-separated numbers.
func Parse(s string) (Semver, bool) {
	s = strings.TrimPrefix(s, "v")
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return Semver{}, false
	}
	patchStr := parts[2]
	if i := strings.IndexAny(patchStr, "-+"); i >= 0 {
		patchStr = patchStr[:i]
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Semver{}, false
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return Semver{}, false
	}
	patch, err := strconv.Atoi(patchStr)
	if err != nil {
		return Semver{}, false
	}
	return Semver{Major: major, Minor: minor, Patch: patch}, true
}

// Less reports whether v orders before other.
func (v Semver) Less(other Semver) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}
