// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package process reads the procfs view of a running process: its memory
// mappings, threads and command name.
package process // import "github.com/lua-ebpf/luaprof/process"

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/lua-ebpf/luaprof/libpf"
	"github.com/lua-ebpf/luaprof/remotememory"
)

// ErrNoMappings is returned when no mappings can be extracted.
var ErrNoMappings = errors.New("no mappings")

// Process gives access to one running process.
type Process struct {
	pid          libpf.PID
	procRoot     string
	remoteMemory remotememory.RemoteMemory
}

// New returns a Process for the given PID.
func New(pid libpf.PID) *Process {
	return &Process{
		pid:          pid,
		procRoot:     "/proc",
		remoteMemory: remotememory.NewProcessVirtualMemory(pid),
	}
}

// PID returns the process ID.
func (p *Process) PID() libpf.PID {
	return p.pid
}

// GetRemoteMemory returns a fault-tolerant reader of the process memory.
func (p *Process) GetRemoteMemory() remotememory.RemoteMemory {
	return p.remoteMemory
}

func (p *Process) path(elem ...string) string {
	return strings.Join(append([]string{p.procRoot, strconv.Itoa(int(p.pid))}, elem...), "/")
}

func trimMappingPath(path string) string {
	// Trim the deleted indication from the path.
	// See path_with_deleted in linux/fs/d_path.c
	return strings.TrimSuffix(path, " (deleted)")
}

func parseMappings(mapsFile io.Reader) ([]Mapping, uint32, error) {
	numParseErrors := uint32(0)
	mappings := make([]Mapping, 0, 32)
	scanner := bufio.NewScanner(mapsFile)
	scanner.Buffer(make([]byte, 256), 8192)
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), " ", 6)
		if len(fields) < 5 {
			numParseErrors++
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) < 2 {
			numParseErrors++
			continue
		}

		mapsFlags := fields[1]
		if len(mapsFlags) < 3 {
			numParseErrors++
			continue
		}
		flags := elf.ProgFlag(0)
		if mapsFlags[0] == 'r' {
			flags |= elf.PF_R
		}
		if mapsFlags[1] == 'w' {
			flags |= elf.PF_W
		}
		if mapsFlags[2] == 'x' {
			flags |= elf.PF_X
		}

		// Ignore non-readable and non-executable mappings
		if flags&(elf.PF_R|elf.PF_X) == 0 {
			continue
		}
		inode, err := strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			log.Debugf("inode: failed to convert %s to uint64: %v", fields[4], err)
			numParseErrors++
			continue
		}

		devs := strings.SplitN(fields[3], ":", 2)
		if len(devs) < 2 {
			numParseErrors++
			continue
		}
		major, err := strconv.ParseUint(devs[0], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}
		minor, err := strconv.ParseUint(devs[1], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}

		var path string
		if len(fields) == 6 {
			path = strings.TrimSpace(fields[5])
		}
		if inode == 0 {
			if path != "" {
				// [vdso], [stack] and other pseudo mappings
				continue
			}
		} else {
			path = trimMappingPath(path)
		}

		vaddr, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}
		vend, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil || vend < vaddr {
			numParseErrors++
			continue
		}
		fileOffset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			numParseErrors++
			continue
		}

		mappings = append(mappings, Mapping{
			Vaddr:      vaddr,
			Length:     vend - vaddr,
			Flags:      flags,
			FileOffset: fileOffset,
			Device:     major<<8 + minor,
			Inode:      inode,
			Path:       path,
		})
	}
	return mappings, numParseErrors, scanner.Err()
}

// GetMappings parses /proc/PID/maps.
func (p *Process) GetMappings() ([]Mapping, uint32, error) {
	mapsFile, err := os.Open(p.path("maps"))
	if err != nil {
		return nil, 0, err
	}
	defer mapsFile.Close()

	mappings, numParseErrors, err := parseMappings(mapsFile)
	if err != nil {
		return mappings, numParseErrors, err
	}
	if len(mappings) == 0 {
		return nil, numParseErrors, ErrNoMappings
	}
	return mappings, numParseErrors, nil
}

// ExecutableMappings returns the file backed executable mappings in address order.
func (p *Process) ExecutableMappings() ([]Mapping, error) {
	mappings, numParseErrors, err := p.GetMappings()
	if err != nil {
		return nil, err
	}
	if numParseErrors > 0 {
		log.Debugf("PID %d: %d unparsable mapping lines", p.pid, numParseErrors)
	}
	return filterExecutable(mappings), nil
}

func filterExecutable(mappings []Mapping) []Mapping {
	exec := make([]Mapping, 0, len(mappings))
	for _, m := range mappings {
		if m.IsExecutable() && !m.IsAnonymous() {
			exec = append(exec, m)
		}
	}
	sort.SliceStable(exec, func(i, j int) bool { return exec[i].Vaddr < exec[j].Vaddr })
	return exec
}

// Comm returns the process name as reported by the kernel (at most 15 bytes).
func (p *Process) Comm() (string, error) {
	comm, err := os.ReadFile(p.path("comm"))
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(comm), "\n"), nil
}

// Threads lists the thread IDs of the process.
func (p *Process) Threads() ([]libpf.PID, error) {
	entries, err := os.ReadDir(p.path("task"))
	if err != nil {
		return nil, fmt.Errorf("failed to list threads of %d: %w", p.pid, err)
	}
	tids := make([]libpf.PID, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		tids = append(tids, libpf.PID(tid))
	}
	return tids, nil
}
