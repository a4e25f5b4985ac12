package hid

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/gousb"
)

// HID class requests issued on the control endpoint, per the USB HID spec.
// Devices without interrupt OUT endpoints (such as small V-USB boards) receive
// output reports through SET_REPORT, which is what hidapi does as well.
const (
	reqGetReport = 0x01
	reqSetReport = 0x09

	reportTypeOutput  = 2
	reportTypeFeature = 3
)

// Interface the HID function lives on. The devices this package targets are
// single-interface.
const hidInterfaceNumber = 0

// NewLibusb returns a Manager backed by libusb via gousb. It works on every
// platform gousb supports but requires the kernel driver to be detachable on
// Linux (the returned devices are claimed with auto-detach enabled).
func NewLibusb() (Manager, error) {
	return &libusbManager{ctx: gousb.NewContext()}, nil
}

type libusbManager struct {
	ctx *gousb.Context
}

// Enumerate lists matching devices by walking the bus. Reading the product
// string requires opening each device, so enumeration is best-effort in the
// same way hidapi's is: a device that cannot be opened or queried is reported
// with the fields that are known rather than failing the whole walk, unless no
// device can be listed at all.
func (m *libusbManager) Enumerate(vendorID, productID uint16) ([]DeviceInfo, error) {
	devs, err := m.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return matchesID(desc, vendorID, productID)
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("libusb enumeration: %w", err)
	}
	if err != nil {
		slog.Warn("libusb enumeration was partial", "err", err)
	}

	var infos []DeviceInfo
	for _, dev := range devs {
		info := DeviceInfo{
			Path:      libusbPath(dev.Desc),
			VendorID:  uint16(dev.Desc.Vendor),
			ProductID: uint16(dev.Desc.Product),
		}
		product, perr := dev.Product()
		if perr != nil {
			slog.Warn("cannot read product string", "path", info.Path, "err", perr)
		} else {
			info.Product = product
		}
		infos = append(infos, info)
		_ = dev.Close()
	}
	return infos, nil
}

// Open reopens the device at a path previously produced by Enumerate and
// claims its HID interface.
func (m *libusbManager) Open(path string) (Device, error) {
	bus, address, err := parseLibusbPath(path)
	if err != nil {
		return nil, err
	}

	devs, err := m.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == bus && desc.Address == address
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if len(devs) == 0 {
		return nil, fmt.Errorf("open %s: device is gone", path)
	}
	// A bus:address pair identifies one device; extras would mean the address
	// was reused mid-walk, so keep the first and release the rest.
	dev := devs[0]
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}

	// Auto-detach frees the kernel HID driver when the interface is claimed
	// and restores it on release. Not every platform implements it.
	_ = dev.SetAutoDetach(true)

	cfg, err := dev.Config(1)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("claim configuration of %s: %w", path, err)
	}
	intf, err := cfg.Interface(hidInterfaceNumber, 0)
	if err != nil {
		_ = cfg.Close()
		_ = dev.Close()
		return nil, fmt.Errorf("claim interface of %s: %w", path, err)
	}

	return &libusbDevice{dev: dev, cfg: cfg, intf: intf}, nil
}

func (m *libusbManager) Close() error {
	return m.ctx.Close()
}

type libusbDevice struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
}

// GetFeatureReport mirrors hidapi's libusb implementation: b[0] carries the
// report ID; for unnumbered reports (ID 0) the response is offset by one so
// the ID byte stays in place, and the returned count includes it.
func (d *libusbDevice) GetFeatureReport(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, errors.New("hid: empty feature report buffer")
	}
	reportID := b[0]
	data := b
	skipped := false
	if reportID == 0 {
		data = b[1:]
		skipped = true
	}

	rType := uint8(gousb.ControlIn) | uint8(gousb.ControlClass) | uint8(gousb.ControlInterface)
	n, err := d.dev.Control(rType, reqGetReport,
		reportTypeFeature<<8|uint16(reportID), hidInterfaceNumber, data)
	if err != nil {
		return 0, fmt.Errorf("get feature report: %w", err)
	}
	if skipped {
		n++
	}
	return n, nil
}

// Write sends an output report through SET_REPORT, with hidapi's report ID
// convention: a zero ID byte is stripped from the transfer but counted in the
// returned length.
func (d *libusbDevice) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, errors.New("hid: empty report buffer")
	}
	reportID := b[0]
	data := b
	skipped := false
	if reportID == 0 {
		data = b[1:]
		skipped = true
	}

	rType := uint8(gousb.ControlOut) | uint8(gousb.ControlClass) | uint8(gousb.ControlInterface)
	n, err := d.dev.Control(rType, reqSetReport,
		reportTypeOutput<<8|uint16(reportID), hidInterfaceNumber, data)
	if err != nil {
		return 0, fmt.Errorf("write report: %w", err)
	}
	if skipped && n == len(data) {
		n++
	}
	return n, nil
}

func (d *libusbDevice) Close() error {
	d.intf.Close()
	cfgErr := d.cfg.Close()
	devErr := d.dev.Close()
	if cfgErr != nil {
		return cfgErr
	}
	return devErr
}

func matchesID(desc *gousb.DeviceDesc, vendorID, productID uint16) bool {
	if vendorID != 0 && desc.Vendor != gousb.ID(vendorID) {
		return false
	}
	if productID != 0 && desc.Product != gousb.ID(productID) {
		return false
	}
	return true
}

// libusbPath renders a stable per-attachment path in hidapi's
// bus:address:interface hex format, e.g. "0003:0011:00".
func libusbPath(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("%04x:%04x:%02x", desc.Bus, desc.Address, hidInterfaceNumber)
}

func parseLibusbPath(path string) (bus, address int, err error) {
	parts := strings.Split(path, ":")
	if len(parts) != 3 {
		return 0, 0, fmt.Errorf("hid: malformed libusb path %q", path)
	}
	b, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("hid: malformed libusb path %q: %w", path, err)
	}
	a, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("hid: malformed libusb path %q: %w", path, err)
	}
	return int(b), int(a), nil
}
