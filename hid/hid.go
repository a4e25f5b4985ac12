// Package hid provides enumeration of and report I/O with USB human-interface
// devices. It exposes a small transport contract (Manager, Device) together
// with two interchangeable backends: a hidraw backend that talks to the Linux
// kernel HID layer directly, and a libusb backend built on gousb that works
// wherever libusb does. Callers that only consume the interfaces stay
// independent of which backend is underneath.
package hid

// DeviceInfo describes one attached HID device as reported by enumeration.
//
// Fields may be empty if the host could not read them (for example the product
// string of a device the process has no permission to open); Path is always
// populated and is the handle used with Manager.Open.
type DeviceInfo struct {
	// Path is a backend-specific device path, e.g. "/dev/hidraw3" for the
	// hidraw backend or "0003:0011:00" (bus:address:interface) for libusb.
	Path string
	// VendorID and ProductID identify the device model.
	VendorID  uint16
	ProductID uint16
	// Product is the device's product descriptor string.
	Product string
}

// Device is an open HID device handle capable of report I/O.
//
// GetFeatureReport performs a feature-report request/response exchange: byte 0
// of the buffer holds the report ID on entry (0 for devices without numbered
// reports) and the buffer is filled with the device's response. Write sends an
// output report with the same first-byte convention. Both return the number of
// bytes exchanged, counting the report ID byte.
type Device interface {
	GetFeatureReport(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

// Manager is an initialized HID subsystem handle. It enumerates attached
// devices and opens them by path. A Manager must be Closed after every Device
// opened through it has been closed.
type Manager interface {
	// Enumerate lists attached HID devices matching vendorID and productID.
	// A zero vendorID or productID matches any vendor or product.
	Enumerate(vendorID, productID uint16) ([]DeviceInfo, error)
	// Open opens the device at a path previously returned by Enumerate.
	Open(path string) (Device, error)
	// Close releases the subsystem handle.
	Close() error
}

// New returns the default Manager for the current platform: the hidraw
// backend on Linux, the libusb backend everywhere else. Use NewHidraw or
// NewLibusb to select a backend explicitly.
func New() (Manager, error) {
	return newManager()
}
