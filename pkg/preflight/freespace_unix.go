//go:build !windows

package preflight

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FreeSpace returns the number of bytes available to an unprivileged user on
// the filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
