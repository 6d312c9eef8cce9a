package disk

// Backend is the partition-table access used by the catalog.
// LiveBackend talks to the running system; tests supply a fake.
type Backend interface {
	// Devices returns every addressable block device in enumeration order
	Devices() ([]Device, error)
	// Device opens a single device by path
	Device(path string) (Device, error)
	// Slots returns the partition table entries of a device in table order
	Slots(dev Device) ([]Slot, error)
	// ProbeFS reports the filesystem tag found on a slot
	ProbeFS(slot Slot) (string, error)
	// Flag reports whether a slot carries the given attribute
	Flag(dev Device, slot Slot, flag Flag) bool
}
