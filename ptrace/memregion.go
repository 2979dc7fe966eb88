package ptrace

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/brask/covtrace"
)

// MemRegion is one mapped region from /proc/<pid>/maps
type MemRegion struct {
	Address     [2]uintptr
	Permissions string
	Offset      uint64
	Device      string
	Inode       uint64
	Pathname    string
}

// MemRegions returns the process's mapped memory regions
func (pid Process) MemRegions() ([]MemRegion, error) {
	file, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, covtrace.Error(err)
	}
	defer file.Close()

	var regions []MemRegion

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var region MemRegion

		// incomplete lines cause an EOF panic in stripped binaries
		if len(strings.Fields(scanner.Text())) != 6 {
			continue
		}

		// address           perms offset  dev   inode   pathname
		// 08048000-08056000 r-xp 00000000 03:0c 64593   /usr/sbin/gpm
		fmt.Sscanf(scanner.Text(), "%x-%x %s %x %s %d %s",
			&region.Address[0], &region.Address[1],
			&region.Permissions,
			&region.Offset,
			&region.Device,
			&region.Inode,
			&region.Pathname)

		regions = append(regions, region)
	}

	return regions, nil
}

// RelocationBase returns the lowest start address among the process's
// mappings whose pathname is binaryPath, used as the relocation base (§4.1)
// when the test binary is position-independent. It does not check the ELF
// type: for a non-PIE binary it returns that binary's lowest mapped
// address, not 0.
func (pid Process) RelocationBase(binaryPath string) (uintptr, error) {
	regions, err := pid.MemRegions()
	if err != nil {
		return 0, covtrace.Error(err)
	}

	var base uintptr
	found := false

	for _, region := range regions {
		if region.Pathname != binaryPath {
			continue
		}
		if !found || region.Address[0] < base {
			base = region.Address[0]
			found = true
		}
	}

	if !found {
		return 0, covtrace.Errorf("no mapping found for %s", binaryPath)
	}

	return base, nil
}
