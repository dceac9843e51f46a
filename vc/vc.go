// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vc holds the build metadata of the profiler binary. The values are
// stamped at link time, e.g.
//
//	-ldflags "-X github.com/lua-ebpf/luaprof/vc.version=v0.3.0"
package vc // import "github.com/lua-ebpf/luaprof/vc"

import "fmt"

// Unstamped builds report devVersion.
const devVersion = "dev"

var (
	// git-describe output, vX.Y.Z{-N-abbrev}
	version = ""
	// commit hash
	revision = ""
	// RFC 3339
	buildTimestamp = ""
)

// Version returns the release of the binary, or "dev" for unstamped builds.
func Version() string {
	if version == "" {
		return devVersion
	}
	return version
}

// Revision returns the commit the binary was built from, if known.
func Revision() string {
	return revision
}

// BuildTimestamp returns when the binary was built, if known.
func BuildTimestamp() string {
	return buildTimestamp
}

// String describes the build on one line, leaving out unknown fields.
func String() string {
	s := "luaprof " + Version()
	switch {
	case revision != "" && buildTimestamp != "":
		s += fmt.Sprintf(" (revision %s, built %s)", revision, buildTimestamp)
	case revision != "":
		s += fmt.Sprintf(" (revision %s)", revision)
	case buildTimestamp != "":
		s += fmt.Sprintf(" (built %s)", buildTimestamp)
	}
	return s
}
