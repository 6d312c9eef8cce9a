package disk

import "os"

const efiDetectPath = "/sys/firmware/efi"

// IsEFIBooted reports whether the running system was started through UEFI
func IsEFIBooted() bool {
	info, err := os.Stat(efiDetectPath)
	return err == nil && info.IsDir()
}
