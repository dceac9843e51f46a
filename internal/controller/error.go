// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "github.com/lua-ebpf/luaprof/internal/controller"

import "errors"

// ErrNoMappings is returned when the target has no readable executable mappings.
var ErrNoMappings = errors.New("no executable mappings")
