//go:build linux

package disk

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ioctlSectorSize asks the kernel for the logical sector size of a block device
func ioctlSectorSize(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		return 0, fmt.Errorf("BLKSSZGET %s: %w", path, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("BLKSSZGET %s: invalid sector size %d", path, n)
	}
	return uint64(n), nil
}
