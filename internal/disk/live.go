package disk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/sigreer/deploykit/internal/cache"
)

// Partition type identifiers recognised by Flag
const (
	gptTypeESP      = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	gptTypeBIOSGrub = "21686148-6449-6E6F-744E-656564454649"
	dosTypeESP      = "ef"
)

const defaultSectorSize = 512

// LiveBackend reads block devices through lsblk, sfdisk and blkid
type LiveBackend struct {
	runner     Runner
	cache      *cache.Cache
	sectorSize func(path string) (uint64, error)
}

// NewLiveBackend creates a backend for the running system.
// A nil runner uses ExecRunner and a nil cache gets a private one.
func NewLiveBackend(runner Runner, c *cache.Cache) *LiveBackend {
	if runner == nil {
		runner = ExecRunner{}
	}
	if c == nil {
		c = cache.New()
	}
	return &LiveBackend{
		runner:     runner,
		cache:      c,
		sectorSize: ioctlSectorSize,
	}
}

// flexInt accepts both JSON numbers and quoted numbers, lsblk emits either
// depending on its version
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// lsblkOutput represents the JSON output from lsblk -d
type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Path   string  `json:"path"`
	Type   string  `json:"type"`
	LogSec flexInt `json:"log-sec"`
}

// sfdiskOutput represents the JSON output from sfdisk --json
type sfdiskOutput struct {
	PartitionTable sfdiskTable `json:"partitiontable"`
}

type sfdiskTable struct {
	Label      string            `json:"label"`
	Device     string            `json:"device"`
	Unit       string            `json:"unit"`
	SectorSize int               `json:"sectorsize"`
	Partitions []sfdiskPartition `json:"partitions"`
}

type sfdiskPartition struct {
	Node  string `json:"node"`
	Start int64  `json:"start"`
	Size  int64  `json:"size"`
	Type  string `json:"type"`
}

func (b *LiveBackend) run(name string, args ...string) ([]byte, error) {
	stdout, stderr, err := b.runner.Run(context.Background(), name, args...)
	if err != nil {
		return nil, &ToolError{
			Tool:   name,
			Args:   args,
			Stdout: string(stdout),
			Stderr: string(stderr),
			Err:    err,
		}
	}
	return stdout, nil
}

// Devices returns all whole disks known to lsblk
func (b *LiveBackend) Devices() ([]Device, error) {
	return cache.Remember(b.cache, "lsblk:devices", cache.TTLDevices, func() ([]Device, error) {
		out, err := b.run("lsblk", "-J", "-d", "-b", "-o", "PATH,TYPE,LOG-SEC")
		if err != nil {
			return nil, err
		}
		return b.parseDevices(out)
	})
}

// Device opens a single block device by path
func (b *LiveBackend) Device(path string) (Device, error) {
	out, err := b.run("lsblk", "-J", "-d", "-b", "-o", "PATH,TYPE,LOG-SEC", path)
	if err != nil {
		return Device{}, fmt.Errorf("open device %s: %w", path, err)
	}
	devs, err := b.parseDevices(out)
	if err != nil {
		return Device{}, fmt.Errorf("open device %s: %w", path, err)
	}
	if len(devs) == 0 {
		return Device{}, fmt.Errorf("open device %s: not a disk: %w", path, ErrNotFound)
	}
	return devs[0], nil
}

func (b *LiveBackend) parseDevices(out []byte) ([]Device, error) {
	var output lsblkOutput
	if err := json.Unmarshal(out, &output); err != nil {
		return nil, fmt.Errorf("parse lsblk output: %w", err)
	}

	var devices []Device
	for _, bd := range output.Blockdevices {
		if bd.Type != "disk" || bd.Path == "" {
			continue
		}
		size, err := b.sectorSize(bd.Path)
		if err != nil || size == 0 {
			size = uint64(defaultSectorSize)
			if bd.LogSec > 0 {
				size = uint64(bd.LogSec)
			}
		}
		devices = append(devices, Device{Path: bd.Path, SectorSize: size})
	}
	return devices, nil
}

// Slots reads the partition table of a device
func (b *LiveBackend) Slots(dev Device) ([]Slot, error) {
	return cache.Remember(b.cache, "sfdisk:"+dev.Path, cache.TTLScan, func() ([]Slot, error) {
		out, err := b.run("sfdisk", "--json", dev.Path)
		if err != nil {
			return nil, fmt.Errorf("read partition table of %s: %w", dev.Path, err)
		}
		var output sfdiskOutput
		if err := json.Unmarshal(out, &output); err != nil {
			return nil, fmt.Errorf("parse partition table of %s: %w", dev.Path, err)
		}

		slots := make([]Slot, 0, len(output.PartitionTable.Partitions))
		for _, p := range output.PartitionTable.Partitions {
			slots = append(slots, Slot{
				Num:    partitionNumber(p.Node),
				Path:   p.Node,
				Start:  p.Start,
				Length: p.Size,
				Type:   p.Type,
			})
		}
		return slots, nil
	})
}

// ProbeFS asks blkid for the filesystem type of a slot
func (b *LiveBackend) ProbeFS(slot Slot) (string, error) {
	if slot.Path == "" {
		return "", fmt.Errorf("probe slot %d: %w", slot.Num, ErrNotFound)
	}
	return cache.Remember(b.cache, "blkid:type:"+slot.Path, cache.TTLScan, func() (string, error) {
		out, err := b.run("blkid", "-o", "value", "-s", "TYPE", slot.Path)
		if err != nil {
			return "", err
		}
		fsType := normalizeFSType(string(bytes.TrimSpace(out)))
		if fsType == "" {
			return "", fmt.Errorf("no filesystem signature on %s", slot.Path)
		}
		return fsType, nil
	})
}

// Flag matches the slot's partition type against well-known type codes
func (b *LiveBackend) Flag(dev Device, slot Slot, flag Flag) bool {
	t := strings.TrimPrefix(strings.ToLower(slot.Type), "0x")
	switch flag {
	case FlagESP:
		return t == strings.ToLower(gptTypeESP) || t == dosTypeESP
	case FlagBIOSGrub:
		return t == strings.ToLower(gptTypeBIOSGrub)
	default:
		return false
	}
}

// Invalidate drops cached partition tables and probe results.
// Call after anything that rewrites a device.
func (b *LiveBackend) Invalidate() {
	b.cache.DeletePrefix("sfdisk:")
	b.cache.DeletePrefix("blkid:")
}

// partitionNumber extracts the trailing partition index from a device node
// such as /dev/sda3 or /dev/nvme0n1p2. Returns 0 when there is none.
func partitionNumber(node string) int {
	end := len(node)
	start := end
	for start > 0 && unicode.IsDigit(rune(node[start-1])) {
		start--
	}
	if start == end {
		return 0
	}
	n, err := strconv.Atoi(node[start:end])
	if err != nil {
		return 0
	}
	return n
}
