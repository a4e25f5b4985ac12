// relaydetect lists the HID devices matching the relay board vendor and
// product IDs without opening them. It is a diagnostic helper for checking
// whether boards are visible to a transport at all, independent of the
// feature-report protocol.
package main

import (
	"flag"
	"fmt"
	"os"

	"usbrelayctl/hid"
	"usbrelayctl/usbrelay"
)

func main() {
	transport := flag.String("transport", "auto", "HID transport: auto, hidraw or libusb")
	all := flag.Bool("all", false, "list every HID device, not just relay boards")
	flag.Parse()

	m, err := openManager(*transport)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	vendorID, productID := usbrelay.VendorID, usbrelay.ProductID
	if *all {
		vendorID, productID = 0, 0
	}
	infos, err := m.Enumerate(vendorID, productID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(infos) == 0 {
		if *all {
			fmt.Println("No HID devices found")
		} else {
			fmt.Println("No relay boards found (VID 0x16C0 PID 0x05DF)")
		}
		return
	}
	for i, d := range infos {
		fmt.Printf("Device %d:\n", i+1)
		fmt.Printf("  Path: %s\n", d.Path)
		fmt.Printf("  ID: %04x:%04x\n", d.VendorID, d.ProductID)
		if d.Product != "" {
			fmt.Printf("  Product: %s\n", d.Product)
		}
	}
}

func openManager(transport string) (hid.Manager, error) {
	switch transport {
	case "", "auto":
		return hid.New()
	case "hidraw":
		return hid.NewHidraw()
	case "libusb":
		return hid.NewLibusb()
	}
	return nil, fmt.Errorf("unknown transport %q (allowed: auto, hidraw, libusb)", transport)
}
