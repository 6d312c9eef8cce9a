package disk

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/bits"
)

// Catalog enumerates partitions through a Backend.
// It holds no locks; callers serialize anything that writes to a disk.
type Catalog struct {
	backend Backend
	logger  *slog.Logger
}

// NewCatalog creates a catalog over the given backend
func NewCatalog(backend Backend, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Catalog{backend: backend, logger: logger}
}

// ListPartitions scans every device and returns its usable partitions in
// device order, then table order. Devices or slots that cannot be read are
// skipped, so the result may be empty but the scan never fails.
func (c *Catalog) ListPartitions() []Partition {
	var partitions []Partition

	devices, err := c.backend.Devices()
	if err != nil {
		c.logger.Debug("device enumeration failed", "error", err)
		return partitions
	}

	for _, dev := range devices {
		slots, err := c.backend.Slots(dev)
		if err != nil {
			c.logger.Debug("skipping device", "device", dev.Path, "error", err)
			continue
		}

		for _, slot := range slots {
			if slot.Num <= 0 {
				continue
			}
			partitions = append(partitions, Partition{
				Path:       slot.Path,
				ParentPath: dev.Path,
				FSType:     c.probe(slot),
				Size:       partitionSize(dev.SectorSize, slot.Length),
			})
		}
	}

	return partitions
}

// FindESPPartition returns the EFI System Partition on device.
// The result has no parent path and a zero size.
func (c *Catalog) FindESPPartition(device string) (Partition, error) {
	dev, err := c.backend.Device(device)
	if err != nil {
		return Partition{}, fmt.Errorf("ESP lookup on %s: %v: %w", device, err, ErrNotFound)
	}
	slots, err := c.backend.Slots(dev)
	if err != nil {
		return Partition{}, fmt.Errorf("ESP lookup on %s: %v: %w", device, err, ErrNotFound)
	}

	for _, slot := range slots {
		if slot.Num <= 0 || !c.backend.Flag(dev, slot, FlagESP) {
			continue
		}
		if slot.Path == "" {
			return Partition{}, fmt.Errorf("ESP on %s has no device node: %w", device, ErrNotFound)
		}
		return Partition{
			Path:   slot.Path,
			FSType: c.probe(slot),
		}, nil
	}

	return Partition{}, fmt.Errorf("no ESP partition on %s: %w", device, ErrNotFound)
}

// probe returns the slot's filesystem tag, or "" when it cannot be determined
func (c *Catalog) probe(slot Slot) string {
	fsType, err := c.backend.ProbeFS(slot)
	if err != nil {
		c.logger.Debug("filesystem probe failed", "partition", slot.Path, "error", err)
		return ""
	}
	return fsType
}

// partitionSize multiplies the sector size by the table length, treating
// negative lengths as empty. Products past uint64 saturate.
func partitionSize(sectorSize uint64, length int64) uint64 {
	if length < 0 {
		return 0
	}
	hi, lo := bits.Mul64(sectorSize, uint64(length))
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}
