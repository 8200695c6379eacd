//go:build linux

package supervisor

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/Use-Tusk/tracefence/internal/superror"
)

// minKernelMajor and minKernelMinor are the lowest kernel version known to
// support PTRACE_O_EXITKILL, added in 3.8. Running under anything older
// means a killed tracer can leave tracees orphaned and running instead of
// being killed alongside it.
const (
	minKernelMajor = 3
	minKernelMinor = 8
)

// checkKernelVersion reads the running kernel's release string and fails
// fast if it predates PTRACE_O_EXITKILL support, rather than letting a
// supervised run silently lose its kill-on-exit guarantee.
func checkKernelVersion() error {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return superror.OS("supervisor.checkKernelVersion", fmt.Errorf("uname: %w", err))
	}

	release := unix.ByteSliceToString(uname.Release[:])
	major, minor, err := parseKernelVersion(release)
	if err != nil {
		return superror.Parse("supervisor.checkKernelVersion", fmt.Errorf("parsing kernel release %q: %w", release, err))
	}

	if major < minKernelMajor || (major == minKernelMajor && minor < minKernelMinor) {
		return superror.Invariant("supervisor.checkKernelVersion", fmt.Errorf(
			"kernel %d.%d predates %d.%d, required for PTRACE_O_EXITKILL", major, minor, minKernelMajor, minKernelMinor))
	}
	return nil
}

// parseKernelVersion extracts the major and minor numbers from a uname
// release string such as "6.2.0-39-generic".
func parseKernelVersion(release string) (major, minor int, err error) {
	parts := strings.Split(release, ".")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected release format")
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing major version: %w", err)
	}
	minorStr := strings.Split(parts[1], "-")[0]
	minor, err = strconv.Atoi(minorStr)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing minor version: %w", err)
	}
	return major, minor, nil
}
