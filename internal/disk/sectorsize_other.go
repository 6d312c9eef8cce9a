//go:build !linux

package disk

import "errors"

func ioctlSectorSize(path string) (uint64, error) {
	_ = path
	return 0, errors.New("sector size ioctl not supported on this platform")
}
