//go:build !linux

package hid

import "errors"

// NewHidraw is only implemented on Linux; other platforms go through libusb.
func NewHidraw() (Manager, error) {
	return nil, errors.New("hid: the hidraw backend requires linux")
}

func newManager() (Manager, error) {
	return NewLibusb()
}
