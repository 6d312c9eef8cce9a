package disk

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const defaultByUUIDDir = "/dev/disk/by-uuid"

// mountSpec is the fstab type and options for one filesystem tag
type mountSpec struct {
	fsType  string
	options string
}

var mountSpecs = map[string]mountSpec{
	FSFat32: {"vfat", "defaults"},
	FSExt4:  {"ext4", "defaults"},
	FSBtrfs: {"btrfs", "defaults"},
	FSXfs:   {"xfs", "defaults"},
	FSF2fs:  {"f2fs", "defaults"},
	FSSwap:  {"swap", "sw"},
}

// IDResolver looks up the stable identifier of a formatted device
type IDResolver interface {
	FSUUID(path string) (string, error)
}

// BlkidResolver reads filesystem UUIDs with blkid and falls back to the
// /dev/disk/by-uuid symlinks maintained by udev
type BlkidResolver struct {
	runner    Runner
	byUUIDDir string
}

// NewBlkidResolver creates a resolver. A nil runner uses ExecRunner.
func NewBlkidResolver(runner Runner) *BlkidResolver {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &BlkidResolver{runner: runner, byUUIDDir: defaultByUUIDDir}
}

// FSUUID returns the filesystem UUID stored on path
func (r *BlkidResolver) FSUUID(path string) (string, error) {
	out, _, err := r.runner.Run(context.Background(), "blkid", "-o", "value", "-s", "UUID", path)
	if err == nil {
		if id := string(bytes.TrimSpace(out)); id != "" {
			return id, nil
		}
	}

	if id := r.lookupByUUID(path); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("filesystem UUID of %s: %w", path, ErrNotFound)
}

// lookupByUUID scans the by-uuid directory for a link resolving to path
func (r *BlkidResolver) lookupByUUID(path string) string {
	entries, err := os.ReadDir(r.byUUIDDir)
	if err != nil {
		return ""
	}
	want, err := filepath.EvalSymlinks(path)
	if err != nil {
		want = path
	}

	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		target, err := filepath.EvalSymlinks(filepath.Join(r.byUUIDDir, entry.Name()))
		if err != nil {
			continue
		}
		if target == want {
			return entry.Name()
		}
	}
	return ""
}

// FstabBuilder turns formatted partitions into mount table lines
type FstabBuilder struct {
	resolver IDResolver
}

// NewFstabBuilder creates a builder using resolver for device identifiers
func NewFstabBuilder(resolver IDResolver) *FstabBuilder {
	return &FstabBuilder{resolver: resolver}
}

// FstabEntries returns the fstab line that mounts p at mountPath.
// p must already carry a filesystem, so call this after FormatPartition.
func (b *FstabBuilder) FstabEntries(p Partition, mountPath string) (string, error) {
	if p.Path == "" {
		return "", fmt.Errorf("fstab entry for %s: partition path: %w", mountPath, ErrNotFound)
	}
	spec, ok := mountSpecs[p.FSType]
	if !ok {
		return "", fmt.Errorf("fstab entry for %s: %q: %w", p.Path, p.FSType, ErrUnsupportedFSType)
	}

	id, err := b.resolver.FSUUID(p.Path)
	if err != nil {
		return "", fmt.Errorf("fstab entry for %s: %w", p.Path, err)
	}
	id, err = canonicalID(id)
	if err != nil {
		return "", fmt.Errorf("fstab entry for %s: %v: %w", p.Path, err, ErrNotFound)
	}

	target := mountPath
	pass := 2
	switch {
	case spec.fsType == "swap":
		target = "none"
		pass = 0
	case mountPath == "/":
		pass = 1
	}

	return fmt.Sprintf("UUID=%s %s %s %s %d %d\n", id, target, spec.fsType, spec.options, 0, pass), nil
}

// canonicalID lowercases RFC 4122 UUIDs. Short serials such as FAT volume
// IDs are passed through unchanged.
func canonicalID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("empty identifier")
	}
	if len(id) != 36 {
		return id, nil
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("malformed UUID %q: %w", id, err)
	}
	return u.String(), nil
}
