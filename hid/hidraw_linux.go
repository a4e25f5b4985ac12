//go:build linux

package hid

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sysfs root the hidraw class nodes live under.
const hidrawClassDir = "/sys/class/hidraw"

// Linux ioctl request encoding, as in <asm-generic/ioctl.h>.
const (
	iocWrite = 1
	iocRead  = 2

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

// hidIOCGFeature builds HIDIOCGFEATURE(length) from <linux/hidraw.h>: a
// read/write ioctl in group 'H', request 0x07, parameterized by buffer size.
func hidIOCGFeature(length int) uint {
	return (iocRead|iocWrite)<<iocDirShift |
		uint(length)<<iocSizeShift |
		'H'<<iocTypeShift |
		0x07<<iocNrShift
}

// NewHidraw returns a Manager backed by the kernel hidraw interface. It needs
// no cgo and no detaching of kernel drivers, but is only available on Linux.
func NewHidraw() (Manager, error) {
	return hidrawManager{}, nil
}

func newManager() (Manager, error) {
	return NewHidraw()
}

type hidrawManager struct{}

// Enumerate walks /sys/class/hidraw and matches devices on the vendor and
// product IDs recorded in each node's uevent file. Nodes that cannot be read
// are skipped, so a single broken entry does not hide the rest.
func (hidrawManager) Enumerate(vendorID, productID uint16) ([]DeviceInfo, error) {
	nodes, err := filepath.Glob(filepath.Join(hidrawClassDir, "hidraw*"))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", hidrawClassDir, err)
	}

	var infos []DeviceInfo
	for _, node := range nodes {
		raw, err := os.ReadFile(filepath.Join(node, "device", "uevent"))
		if err != nil {
			slog.Warn("cannot read hidraw uevent", "node", node, "err", err)
			continue
		}
		ue, err := parseUevent(string(raw))
		if err != nil {
			slog.Warn("cannot parse hidraw uevent", "node", node, "err", err)
			continue
		}
		if vendorID != 0 && ue.vendorID != vendorID {
			continue
		}
		if productID != 0 && ue.productID != productID {
			continue
		}
		infos = append(infos, DeviceInfo{
			Path:      "/dev/" + filepath.Base(node),
			VendorID:  ue.vendorID,
			ProductID: ue.productID,
			Product:   productString(node, ue.name),
		})
	}
	return infos, nil
}

// Open opens a /dev/hidrawN node for report I/O.
func (hidrawManager) Open(path string) (Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &hidrawDevice{fd: fd, path: path}, nil
}

func (hidrawManager) Close() error { return nil }

type hidrawDevice struct {
	fd   int
	path string
}

// GetFeatureReport exchanges a feature report through HIDIOCGFEATURE. Byte 0
// of b selects the report ID on entry; the kernel fills b with the response
// and the ioctl result is the byte count.
func (d *hidrawDevice) GetFeatureReport(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, errors.New("hid: empty feature report buffer")
	}
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL,
		uintptr(d.fd),
		uintptr(hidIOCGFeature(len(b))),
		uintptr(unsafe.Pointer(&b[0])))
	if errno != 0 {
		return 0, fmt.Errorf("get feature report from %s: %w", d.path, errno)
	}
	return int(r1), nil
}

// Write sends an output report; hidraw expects the report ID in b[0] (zero
// for unnumbered reports) and counts it in the returned length.
func (d *hidrawDevice) Write(b []byte) (int, error) {
	n, err := unix.Write(d.fd, b)
	if err != nil {
		return n, fmt.Errorf("write report to %s: %w", d.path, err)
	}
	return n, nil
}

func (d *hidrawDevice) Close() error {
	return unix.Close(d.fd)
}

type ueventInfo struct {
	vendorID  uint16
	productID uint16
	name      string
}

// parseUevent extracts the identity fields from a HID uevent file. The
// relevant lines look like:
//
//	HID_ID=0003:000016C0:000005DF
//	HID_NAME=www.dcttech.com USBRelay2
//
// where HID_ID is bustype:vendor:product in zero-padded hex.
func parseUevent(data string) (ueventInfo, error) {
	var (
		info  ueventInfo
		hasID bool
	)
	for _, line := range strings.Split(data, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "HID_ID":
			parts := strings.Split(value, ":")
			if len(parts) != 3 {
				return ueventInfo{}, fmt.Errorf("hid: malformed HID_ID %q", value)
			}
			vendor, err := strconv.ParseUint(parts[1], 16, 32)
			if err != nil {
				return ueventInfo{}, fmt.Errorf("hid: malformed HID_ID %q: %w", value, err)
			}
			product, err := strconv.ParseUint(parts[2], 16, 32)
			if err != nil {
				return ueventInfo{}, fmt.Errorf("hid: malformed HID_ID %q: %w", value, err)
			}
			info.vendorID = uint16(vendor)
			info.productID = uint16(product)
			hasID = true
		case "HID_NAME":
			info.name = value
		}
	}
	if !hasID {
		return ueventInfo{}, errors.New("hid: uevent without HID_ID")
	}
	return info, nil
}

// productString resolves the USB product descriptor for a hidraw class node.
// HID_NAME concatenates manufacturer and product for USB devices, so the
// `product` attribute of the owning USB device is preferred; the uevent name
// is the fallback for anything that does not hang off a USB device.
func productString(node, fallback string) string {
	// node/device is a symlink to the HID device directory; its grandparent
	// is the USB device carrying the string descriptors. EvalSymlinks first,
	// otherwise a lexical ".." would escape the symlink instead of the target.
	hidDir, err := filepath.EvalSymlinks(filepath.Join(node, "device"))
	if err != nil {
		return fallback
	}
	raw, err := os.ReadFile(filepath.Join(filepath.Dir(filepath.Dir(hidDir)), "product"))
	if err != nil {
		return fallback
	}
	if product := strings.TrimSpace(string(raw)); product != "" {
		return product
	}
	return fallback
}
