package disk

import (
	"errors"
	"reflect"
	"testing"

	"github.com/sigreer/deploykit/internal/cache"
)

const lsblkJSON = `{
   "blockdevices": [
      {"path": "/dev/sda", "type": "disk", "log-sec": 512},
      {"path": "/dev/sr0", "type": "rom", "log-sec": 2048},
      {"path": "/dev/nvme0n1", "type": "disk", "log-sec": "4096"},
      {"path": "/dev/loop0", "type": "loop", "log-sec": 512}
   ]
}`

const sfdiskGPT = `{
   "partitiontable": {
      "label": "gpt",
      "id": "5C0F2D1E-5A48-4B5B-9E50-2C2A0E0C5E1B",
      "device": "/dev/nvme0n1",
      "unit": "sectors",
      "firstlba": 256,
      "lastlba": 125026896,
      "sectorsize": 4096,
      "partitions": [
         {"node": "/dev/nvme0n1p1", "start": 256, "size": 131072, "type": "C12A7328-F81F-11D2-BA4B-00A0C93EC93B", "uuid": "0D1E2F3A-0000-0000-0000-000000000001"},
         {"node": "/dev/nvme0n1p2", "start": 131328, "size": 124895568, "type": "0FC63DAF-8483-4772-8E79-3D69D8477DE4", "uuid": "0D1E2F3A-0000-0000-0000-000000000002"}
      ]
   }
}`

const sfdiskDOS = `{
   "partitiontable": {
      "label": "dos",
      "id": "0x1a2b3c4d",
      "device": "/dev/sda",
      "unit": "sectors",
      "sectorsize": 512,
      "partitions": [
         {"node": "/dev/sda1", "start": 2048, "size": 1048576, "type": "ef"},
         {"node": "/dev/sda2", "start": 1050624, "size": 40960000, "type": "83"}
      ]
   }
}`

func newTestLiveBackend(r Runner) *LiveBackend {
	b := NewLiveBackend(r, cache.New())
	b.sectorSize = func(string) (uint64, error) { return 0, errors.New("not a block device") }
	return b
}

func TestLiveBackend_Devices(t *testing.T) {
	r := &fakeRunner{results: map[string]fakeResult{
		"lsblk -J -d -b -o PATH,TYPE,LOG-SEC": {stdout: lsblkJSON},
	}}
	b := newTestLiveBackend(r)

	devs, err := b.Devices()
	if err != nil {
		t.Fatal(err)
	}
	want := []Device{
		{Path: "/dev/sda", SectorSize: 512},
		{Path: "/dev/nvme0n1", SectorSize: 4096},
	}
	if !reflect.DeepEqual(devs, want) {
		t.Errorf("got %+v, want %+v", devs, want)
	}

	if _, err := b.Devices(); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != 1 {
		t.Errorf("expected cached device list, got calls %v", r.calls)
	}
}

func TestLiveBackend_PrefersIoctlSectorSize(t *testing.T) {
	r := &fakeRunner{results: map[string]fakeResult{
		"lsblk -J -d -b -o PATH,TYPE,LOG-SEC": {stdout: lsblkJSON},
	}}
	b := NewLiveBackend(r, nil)
	b.sectorSize = func(string) (uint64, error) { return 4096, nil }

	devs, err := b.Devices()
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range devs {
		if d.SectorSize != 4096 {
			t.Errorf("%s: expected 4096, got %d", d.Path, d.SectorSize)
		}
	}
}

func TestLiveBackend_SlotsAndFlags(t *testing.T) {
	r := &fakeRunner{results: map[string]fakeResult{
		"sfdisk --json /dev/nvme0n1": {stdout: sfdiskGPT},
		"sfdisk --json /dev/sda":     {stdout: sfdiskDOS},
	}}
	b := newTestLiveBackend(r)

	nvme := Device{Path: "/dev/nvme0n1", SectorSize: 4096}
	slots, err := b.Slots(nvme)
	if err != nil {
		t.Fatal(err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if slots[0].Num != 1 || slots[1].Num != 2 {
		t.Errorf("unexpected partition numbers %d, %d", slots[0].Num, slots[1].Num)
	}
	if slots[1].Length != 124895568 {
		t.Errorf("unexpected length %d", slots[1].Length)
	}
	if !b.Flag(nvme, slots[0], FlagESP) || b.Flag(nvme, slots[1], FlagESP) {
		t.Error("GPT ESP flag mismatch")
	}

	sda := Device{Path: "/dev/sda", SectorSize: 512}
	slots, err = b.Slots(sda)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Flag(sda, slots[0], FlagESP) || b.Flag(sda, slots[1], FlagESP) {
		t.Error("DOS ESP flag mismatch")
	}
}

func TestLiveBackend_ProbeFS(t *testing.T) {
	r := &fakeRunner{results: map[string]fakeResult{
		"blkid -o value -s TYPE /dev/sda1": {stdout: "vfat\n"},
		"blkid -o value -s TYPE /dev/sda2": {stdout: "ext4\n"},
		"blkid -o value -s TYPE /dev/sda3": {err: errors.New("exit status 2")},
	}}
	b := newTestLiveBackend(r)

	if got, err := b.ProbeFS(Slot{Num: 1, Path: "/dev/sda1"}); err != nil || got != FSFat32 {
		t.Errorf("sda1: got %q, %v", got, err)
	}
	if got, err := b.ProbeFS(Slot{Num: 2, Path: "/dev/sda2"}); err != nil || got != FSExt4 {
		t.Errorf("sda2: got %q, %v", got, err)
	}
	if _, err := b.ProbeFS(Slot{Num: 3, Path: "/dev/sda3"}); err == nil {
		t.Error("sda3: expected probe error")
	}
}

func TestLiveBackend_Invalidate(t *testing.T) {
	r := &fakeRunner{results: map[string]fakeResult{
		"blkid -o value -s TYPE /dev/sda2": {stdout: "xfs\n"},
	}}
	b := newTestLiveBackend(r)
	slot := Slot{Num: 2, Path: "/dev/sda2"}

	if _, err := b.ProbeFS(slot); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ProbeFS(slot); err != nil {
		t.Fatal(err)
	}
	b.Invalidate()
	if _, err := b.ProbeFS(slot); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != 2 {
		t.Errorf("expected 2 blkid calls, got %d", len(r.calls))
	}
}

func TestCatalogOverLiveBackend(t *testing.T) {
	r := &fakeRunner{results: map[string]fakeResult{
		"lsblk -J -d -b -o PATH,TYPE,LOG-SEC":          {stdout: `{"blockdevices":[{"path":"/dev/sda","type":"disk","log-sec":512}]}`},
		"lsblk -J -d -b -o PATH,TYPE,LOG-SEC /dev/sda": {stdout: `{"blockdevices":[{"path":"/dev/sda","type":"disk","log-sec":512}]}`},
		"sfdisk --json /dev/sda":                       {stdout: sfdiskDOS},
		"blkid -o value -s TYPE /dev/sda1":             {stdout: "vfat\n"},
		"blkid -o value -s TYPE /dev/sda2":             {stdout: "btrfs\n"},
	}}
	cat := NewCatalog(newTestLiveBackend(r), nil)

	parts := cat.ListPartitions()
	want := []Partition{
		{Path: "/dev/sda1", ParentPath: "/dev/sda", FSType: "fat32", Size: 1048576 * 512},
		{Path: "/dev/sda2", ParentPath: "/dev/sda", FSType: "btrfs", Size: 40960000 * 512},
	}
	if !reflect.DeepEqual(parts, want) {
		t.Errorf("got %+v, want %+v", parts, want)
	}

	esp, err := cat.FindESPPartition("/dev/sda")
	if err != nil {
		t.Fatal(err)
	}
	if esp != (Partition{Path: "/dev/sda1", FSType: "fat32"}) {
		t.Errorf("unexpected ESP %+v", esp)
	}
}

func TestPartitionNumber(t *testing.T) {
	tests := map[string]int{
		"/dev/sda1":      1,
		"/dev/sdb12":     12,
		"/dev/nvme0n1p3": 3,
		"/dev/mmcblk0p2": 2,
		"/dev/mapper/x":  0,
		"":               0,
	}
	for node, want := range tests {
		if got := partitionNumber(node); got != want {
			t.Errorf("partitionNumber(%q) = %d, want %d", node, got, want)
		}
	}
}
