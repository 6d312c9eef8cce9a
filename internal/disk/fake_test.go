package disk

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// fakeBackend is a deterministic in-memory partition table source
type fakeBackend struct {
	devices    []Device
	devicesErr error
	slots      map[string][]Slot
	slotErrs   map[string]error
	fsTypes    map[string]string
	esp        map[string]bool
}

func (f *fakeBackend) Devices() ([]Device, error) {
	return f.devices, f.devicesErr
}

func (f *fakeBackend) Device(path string) (Device, error) {
	for _, d := range f.devices {
		if d.Path == path {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("no such device %s", path)
}

func (f *fakeBackend) Slots(dev Device) ([]Slot, error) {
	if err := f.slotErrs[dev.Path]; err != nil {
		return nil, err
	}
	return f.slots[dev.Path], nil
}

func (f *fakeBackend) ProbeFS(slot Slot) (string, error) {
	if t, ok := f.fsTypes[slot.Path]; ok {
		return t, nil
	}
	return "", errors.New("unrecognised filesystem")
}

func (f *fakeBackend) Flag(dev Device, slot Slot, flag Flag) bool {
	return flag == FlagESP && f.esp[slot.Path]
}

type fakeResult struct {
	stdout string
	stderr string
	err    error
}

// fakeRunner returns canned output keyed by the full command line
type fakeRunner struct {
	results map[string]fakeResult
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, key)
	r, ok := f.results[key]
	if !ok {
		return nil, []byte("command not found"), fmt.Errorf("unexpected command %q", key)
	}
	return []byte(r.stdout), []byte(r.stderr), r.err
}
