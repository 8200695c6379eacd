// Package memmap parses a process's /proc/{pid}/maps snapshot into a sorted
// list of file-backed memory regions, used to resolve an instruction address
// to the object (executable or shared library) that owns it.
package memmap

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Use-Tusk/tracefence/internal/superror"
)

// Region is one file-backed mapping from a process's memory map.
type Region struct {
	Start uint64
	End   uint64
	Path  string
}

// MemoryMap is the file-backed subset of a process's /proc/{pid}/maps,
// sorted ascending by start address.
type MemoryMap struct {
	Files []Region
}

// lineRegexp matches one /proc/{pid}/maps line, capturing the start and end
// addresses and whatever trails the permissions/offset/device/inode fields
// (the mapped path, or nothing for anonymous mappings).
var lineRegexp = regexp.MustCompile(`^([[:xdigit:]]{12})-([[:xdigit:]]{12})[^/\[]*(.*)$`)

func parseRegion(line string) (Region, error) {
	m := lineRegexp.FindStringSubmatch(line)
	if m == nil {
		return Region{}, superror.Parse("memmap.parseRegion", fmt.Errorf("line did not match maps pattern: %q", line))
	}

	start, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return Region{}, superror.Parse("memmap.parseRegion", fmt.Errorf("parsing start of %q: %w", line, err))
	}
	end, err := strconv.ParseUint(m[2], 16, 64)
	if err != nil {
		return Region{}, superror.Parse("memmap.parseRegion", fmt.Errorf("parsing end of %q: %w", line, err))
	}

	return Region{Start: start, End: end, Path: m[3]}, nil
}

// Parse builds a MemoryMap from the text of a /proc/{pid}/maps file.
// Anonymous mappings, [heap]/[stack]/[vvar]/[vdso] pseudo-paths, and any
// other entry whose path doesn't start with "/" are dropped: they can never
// be the backing object of a frame-pointer lookup.
func Parse(contents string) (*MemoryMap, error) {
	var files []Region
	for _, line := range strings.Split(contents, "\n") {
		if line == "" {
			continue
		}
		r, err := parseRegion(line)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(r.Path, "/") {
			files = append(files, r)
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Start < files[j].Start })

	return &MemoryMap{Files: files}, nil
}

// FromPID reads and parses /proc/{pid}/maps for the given process.
func FromPID(pid int) (*MemoryMap, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, superror.OS("memmap.FromPID", err)
	}
	return Parse(string(data))
}

// Lookup returns the path of the region containing addr, inclusive of both
// endpoints, and whether one was found. The map is not assumed sorted for
// correctness of this scan (only for test-fixture equality), so Lookup
// works regardless of insertion order.
func (m *MemoryMap) Lookup(addr uint64) (string, bool) {
	for _, f := range m.Files {
		if f.Start <= addr && addr <= f.End {
			return f.Path, true
		}
	}
	return "", false
}
