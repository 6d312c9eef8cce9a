package disk

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an ESP, a device identifier or a
	// partition path cannot be located
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedFSType is returned when no mount table mapping exists
	// for a filesystem tag
	ErrUnsupportedFSType = errors.New("unsupported filesystem type")
)

// Filesystem tags as reported by the probe and accepted by the formatter
const (
	FSExt4  = "ext4"
	FSXfs   = "xfs"
	FSBtrfs = "btrfs"
	FSF2fs  = "f2fs"
	FSFat32 = "fat32"
	FSSwap  = "swap"
)

// DefaultFSType is used whenever no acceptable filesystem was requested
const DefaultFSType = FSExt4

// AllowedFSTypes are the filesystems offered for a new root partition
var AllowedFSTypes = []string{FSExt4, FSXfs, FSBtrfs, FSF2fs}

// Partition is one usable slot of a partition table.
// Empty strings mean the value is not known. Values are never modified in
// place; helpers return a changed copy.
type Partition struct {
	Path       string `json:"path,omitempty"`
	ParentPath string `json:"parent_path,omitempty"`
	FSType     string `json:"fs_type,omitempty"`
	Size       uint64 `json:"size"`
}

// Device is an addressable block device
type Device struct {
	Path       string
	SectorSize uint64
}

// Slot is a raw partition table entry.
// Num <= 0 marks free space or metadata rather than a real partition.
type Slot struct {
	Num    int
	Path   string
	Start  int64
	Length int64 // in device sectors, may be reported negative
	Type   string
}

// Flag is a partition attribute that can be queried on a slot
type Flag int

const (
	FlagESP Flag = iota
	FlagBIOSGrub
)

func (f Flag) String() string {
	switch f {
	case FlagESP:
		return "esp"
	case FlagBIOSGrub:
		return "bios_grub"
	default:
		return fmt.Sprintf("flag(%d)", int(f))
	}
}

// ToolError is returned when an external tool exits unsuccessfully.
// Both output streams are kept verbatim for diagnosis.
type ToolError struct {
	Tool   string
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s %s failed: %v\nstderr:\n%s\nstdout:\n%s",
		e.Tool, strings.Join(e.Args, " "), e.Err, e.Stderr, e.Stdout)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// normalizeFSType maps probe output onto the tags used by the rest of the
// package
func normalizeFSType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	switch {
	case t == "vfat":
		return FSFat32
	case strings.HasPrefix(t, "linux-swap"):
		return FSSwap
	default:
		return t
	}
}
