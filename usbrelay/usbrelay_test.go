package usbrelay

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"testing"

	"usbrelayctl/hid"
)

// fakeDevice emulates a relay board behind the hid.Device interface. The
// feature report is synthesized from serial and mask; writes are recorded.
type fakeDevice struct {
	serial     []byte
	mask       byte
	featureN   int
	featureErr error
	writeN     int
	writeErr   error
	writes     [][]byte
	closed     int
}

func newFakeDevice(serial string, mask byte) *fakeDevice {
	return &fakeDevice{
		serial:   []byte(serial),
		mask:     mask,
		featureN: reportSize,
		writeN:   reportSize,
	}
}

func (d *fakeDevice) GetFeatureReport(b []byte) (int, error) {
	if d.featureErr != nil {
		return 0, d.featureErr
	}
	if len(b) != reportSize || b[0] != byte(cmdReadFeatures) {
		return 0, fmt.Errorf("unexpected feature request % x", b)
	}
	copy(b[:SerialNumberSize], d.serial)
	b[stateOffset] = d.mask
	return d.featureN, nil
}

func (d *fakeDevice) Write(b []byte) (int, error) {
	if d.writeErr != nil {
		return 0, d.writeErr
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	d.writes = append(d.writes, buf)
	return d.writeN, nil
}

func (d *fakeDevice) Close() error {
	d.closed++
	return nil
}

// fakeManager serves a fixed set of enumerated devices keyed by path.
type fakeManager struct {
	infos   []hid.DeviceInfo
	devices map[string]*fakeDevice
	openErr map[string]error
	enumErr error
	opens   []string
}

func (m *fakeManager) Enumerate(vendorID, productID uint16) ([]hid.DeviceInfo, error) {
	if m.enumErr != nil {
		return nil, m.enumErr
	}
	if vendorID != VendorID || productID != ProductID {
		return nil, fmt.Errorf("unexpected filter %04x:%04x", vendorID, productID)
	}
	return m.infos, nil
}

func (m *fakeManager) Open(path string) (hid.Device, error) {
	m.opens = append(m.opens, path)
	if err := m.openErr[path]; err != nil {
		return nil, err
	}
	d, ok := m.devices[path]
	if !ok {
		return nil, fmt.Errorf("no device at %s", path)
	}
	return d, nil
}

func (m *fakeManager) Close() error { return nil }

// addDevice registers a device under a synthetic path and returns it.
func (m *fakeManager) addDevice(product string, d *fakeDevice) *fakeDevice {
	path := fmt.Sprintf("/dev/fake%d", len(m.infos))
	m.infos = append(m.infos, hid.DeviceInfo{
		Path:      path,
		VendorID:  VendorID,
		ProductID: ProductID,
		Product:   product,
	})
	if m.devices == nil {
		m.devices = make(map[string]*fakeDevice)
	}
	m.devices[path] = d
	return d
}

func TestFind(t *testing.T) {
	m := &fakeManager{}
	m.addDevice("USBRelay2", newFakeDevice("R2CF5", 0b01))
	m.addDevice("USBRelay4", newFakeDevice("QAWZX", 0b1010))

	boards, err := Find(m, Options{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(boards) != 2 {
		t.Fatalf("got %d boards, want 2", len(boards))
	}

	if got := boards[0].SerialNumber(); got != "R2CF5" {
		t.Errorf("board 0 serial = %q, want %q", got, "R2CF5")
	}
	if got := boards[0].States(); len(got) != 2 || got[0] != On || got[1] != Off {
		t.Errorf("board 0 states = %v, want [On Off]", got)
	}
	if got := boards[1].States(); len(got) != 4 || got[1] != On || got[3] != On {
		t.Errorf("board 1 states = %v, want [Off On Off On]", got)
	}
	if got, want := boards[1].String(), "QAWZX 0:off 1:on 2:off 3:on"; got != want {
		t.Errorf("board 1 String() = %q, want %q", got, want)
	}
}

func TestFindStatesAreACopy(t *testing.T) {
	m := &fakeManager{}
	m.addDevice("USBRelay2", newFakeDevice("R2CF5", 0b11))

	boards, err := Find(m, Options{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	boards[0].States()[0] = Off
	if got := boards[0].States()[0]; got != On {
		t.Fatalf("States() aliases internal slice")
	}
}

func TestFindUnsupportedProduct(t *testing.T) {
	for _, product := range []string{"FooRelay2", "USBRelay9", "Relay"} {
		m := &fakeManager{}
		m.addDevice(product, newFakeDevice("R2CF5", 0))

		_, err := Find(m, Options{})
		if !errors.Is(err, ErrUnsupportedProduct) {
			t.Errorf("Find(%q) err = %v, want ErrUnsupportedProduct", product, err)
		}
		if len(m.opens) != 0 {
			t.Errorf("Find(%q) opened the device before validating the product", product)
		}
	}
}

func TestFindBadCountSuffix(t *testing.T) {
	for _, product := range []string{"USBRelayX", "USBRelay-1", "USBRelay2x"} {
		m := &fakeManager{}
		m.addDevice(product, newFakeDevice("R2CF5", 0))

		_, err := Find(m, Options{})
		var numErr *strconv.NumError
		if !errors.As(err, &numErr) {
			t.Errorf("Find(%q) err = %v, want *strconv.NumError", product, err)
		}
	}
}

func TestFindShortFeatureReport(t *testing.T) {
	m := &fakeManager{}
	dev := m.addDevice("USBRelay2", newFakeDevice("R2CF5", 0))
	dev.featureN = reportSize - 1

	boards, err := Find(m, Options{})
	if !errors.Is(err, ErrReportSize) {
		t.Fatalf("Find err = %v, want ErrReportSize", err)
	}
	if boards != nil {
		t.Errorf("got %d boards on failure, want none", len(boards))
	}
	if dev.closed != 1 {
		t.Errorf("device closed %d times, want 1", dev.closed)
	}
}

func TestFindInvalidSerialEncoding(t *testing.T) {
	m := &fakeManager{}
	dev := m.addDevice("USBRelay2", newFakeDevice("", 0))
	dev.serial = []byte{0xff, 0xfe, 0xfd, 0xfc, 0xfb}

	_, err := Find(m, Options{})
	if !errors.Is(err, ErrSerialEncoding) {
		t.Fatalf("Find err = %v, want ErrSerialEncoding", err)
	}
	if dev.closed != 1 {
		t.Errorf("device closed %d times, want 1", dev.closed)
	}
}

func TestFindClosesEarlierBoardsOnFailure(t *testing.T) {
	m := &fakeManager{}
	good := m.addDevice("USBRelay2", newFakeDevice("R2CF5", 0))
	bad := m.addDevice("USBRelay2", newFakeDevice("QAWZX", 0))
	bad.featureErr = errors.New("transfer stalled")

	boards, err := Find(m, Options{})
	if err == nil {
		t.Fatal("Find succeeded with a failing device")
	}
	if boards != nil {
		t.Errorf("got %d boards on failure, want none", len(boards))
	}
	if good.closed != 1 {
		t.Errorf("good device closed %d times, want 1", good.closed)
	}
}

func TestFindSkipUnsupported(t *testing.T) {
	m := &fakeManager{}
	m.addDevice("FooRelay2", newFakeDevice("AAAAA", 0))
	broken := m.addDevice("USBRelay2", newFakeDevice("BBBBB", 0))
	broken.featureErr = errors.New("transfer stalled")
	m.addDevice("USBRelay2", newFakeDevice("R2CF5", 0b10))

	boards, err := Find(m, Options{SkipUnsupported: true})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(boards) != 1 || boards[0].SerialNumber() != "R2CF5" {
		t.Fatalf("got %v, want the single good board R2CF5", boards)
	}
	if broken.closed != 1 {
		t.Errorf("broken device closed %d times, want 1", broken.closed)
	}
}

func TestFindEnumerateError(t *testing.T) {
	enumErr := errors.New("bus scan failed")
	m := &fakeManager{enumErr: enumErr}

	_, err := Find(m, Options{})
	if !errors.Is(err, enumErr) {
		t.Fatalf("Find err = %v, want wrapped %v", err, enumErr)
	}
}

func TestFindOpenError(t *testing.T) {
	openErr := errors.New("permission denied")
	m := &fakeManager{}
	m.addDevice("USBRelay2", newFakeDevice("R2CF5", 0))
	m.openErr = map[string]error{m.infos[0].Path: openErr}

	_, err := Find(m, Options{})
	if !errors.Is(err, openErr) {
		t.Fatalf("Find err = %v, want wrapped %v", err, openErr)
	}
}

func TestSetState(t *testing.T) {
	m := &fakeManager{}
	dev := m.addDevice("USBRelay2", newFakeDevice("R2CF5", 0))

	boards, err := Find(m, Options{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	b := boards[0]

	if err := b.SetState(1, On); err != nil {
		t.Fatalf("SetState(1, On): %v", err)
	}
	if len(dev.writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(dev.writes))
	}
	want := []byte{0, 0xff, 2, 0, 0, 0, 0, 0, 0}
	if got := dev.writes[0]; !bytes.Equal(got, want) {
		t.Errorf("wrote % x, want % x", got, want)
	}
	if got := b.States(); got[0] != Off || got[1] != On {
		t.Errorf("states = %v, want [Off On]", got)
	}

	if err := b.SetState(1, Off); err != nil {
		t.Fatalf("SetState(1, Off): %v", err)
	}
	want = []byte{0, 0xfd, 2, 0, 0, 0, 0, 0, 0}
	if got := dev.writes[1]; !bytes.Equal(got, want) {
		t.Errorf("wrote % x, want % x", got, want)
	}
	if got := b.States(); got[1] != Off {
		t.Errorf("states = %v, want [Off Off]", got)
	}
}

func TestSetStateIndexOutOfRange(t *testing.T) {
	m := &fakeManager{}
	dev := m.addDevice("USBRelay2", newFakeDevice("R2CF5", 0))

	boards, err := Find(m, Options{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	b := boards[0]

	for _, index := range []int{-1, 2, 8} {
		if err := b.SetState(index, On); !errors.Is(err, ErrRelayIndex) {
			t.Errorf("SetState(%d) err = %v, want ErrRelayIndex", index, err)
		}
	}
	if len(dev.writes) != 0 {
		t.Errorf("got %d writes for out-of-range indexes, want none", len(dev.writes))
	}
}

func TestSetStateFailureKeepsStates(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*fakeDevice)
	}{
		{"write error", func(d *fakeDevice) { d.writeErr = errors.New("pipe broke") }},
		{"short write", func(d *fakeDevice) { d.writeN = reportSize - 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeManager{}
			dev := m.addDevice("USBRelay2", newFakeDevice("R2CF5", 0))

			boards, err := Find(m, Options{})
			if err != nil {
				t.Fatalf("Find: %v", err)
			}
			b := boards[0]
			tt.tweak(dev)

			if err := b.SetState(0, On); err == nil {
				t.Fatal("SetState succeeded, want error")
			}
			if got := b.States(); got[0] != Off {
				t.Errorf("states = %v, want unchanged [Off Off]", got)
			}
		})
	}
}

func TestBySerial(t *testing.T) {
	m := &fakeManager{}
	m.addDevice("USBRelay2", newFakeDevice("AAAAA", 0))
	m.addDevice("USBRelay2", newFakeDevice("BBBBB", 0))
	m.addDevice("USBRelay2", newFakeDevice("BBBBB", 0))

	boards, err := Find(m, Options{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	b, err := BySerial(boards, "AAAAA")
	if err != nil || b.SerialNumber() != "AAAAA" {
		t.Errorf("BySerial(AAAAA) = %v, %v", b, err)
	}
	if _, err := BySerial(boards, "CCCCC"); !errors.Is(err, ErrNotFound) {
		t.Errorf("BySerial(CCCCC) err = %v, want ErrNotFound", err)
	}
	if _, err := BySerial(boards, "BBBBB"); !errors.Is(err, ErrAmbiguousSerial) {
		t.Errorf("BySerial(BBBBB) err = %v, want ErrAmbiguousSerial", err)
	}
}

func TestRelayCount(t *testing.T) {
	tests := []struct {
		product string
		count   int
		wantErr bool
	}{
		{"USBRelay1", 1, false},
		{"USBRelay2", 2, false},
		{"USBRelay8", 8, false},
		{"USBRelay0", 0, false},
		{"USBRelay9", 0, true},
		{"USBRelay", 0, true},
		{"usbrelay2", 0, true},
	}
	for _, tt := range tests {
		count, err := relayCount(tt.product)
		if (err != nil) != tt.wantErr {
			t.Errorf("relayCount(%q) err = %v, wantErr %v", tt.product, err, tt.wantErr)
			continue
		}
		if err == nil && count != tt.count {
			t.Errorf("relayCount(%q) = %d, want %d", tt.product, count, tt.count)
		}
	}
}

func TestStateBitmapRoundTrip(t *testing.T) {
	for _, mask := range []byte{0x00, 0x01, 0x0f, 0xa5, 0xff} {
		if got := encodeStates(decodeStates(mask, maxRelays)); got != mask {
			t.Errorf("round trip of %08b = %08b", mask, got)
		}
	}
	// An all-on board of N relays encodes as the N lowest bits.
	allOn := []byte{0x00, 0x01, 0x03, 0x07, 0x0f, 0x1f, 0x3f, 0x7f, 0xff}
	for count, mask := range allOn {
		if got := encodeStates(decodeStates(mask, count)); got != mask {
			t.Errorf("all-on %d-relay board encodes as %08b, want %08b", count, got, mask)
		}
	}
	if got := decodeStates(0b10, 2); got[0] != Off || got[1] != On {
		t.Errorf("decodeStates(0b10, 2) = %v, want [Off On]", got)
	}
}

func TestSetStateReport(t *testing.T) {
	on := setStateReport(2, On)
	if want := [reportSize]byte{0, 0xff, 3, 0, 0, 0, 0, 0, 0}; on != want {
		t.Errorf("setStateReport(2, On) = % x, want % x", on, want)
	}
	off := setStateReport(0, Off)
	if want := [reportSize]byte{0, 0xfd, 1, 0, 0, 0, 0, 0, 0}; off != want {
		t.Errorf("setStateReport(0, Off) = % x, want % x", off, want)
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in      string
		want    State
		wantErr bool
	}{
		{"on", On, false},
		{"off", Off, false},
		{"ON", On, false},
		{"Off", Off, false},
		{"", Off, true},
		{"toggle", Off, true},
	}
	for _, tt := range tests {
		got, err := ParseState(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseState(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseState(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if On.String() != "on" || Off.String() != "off" {
		t.Errorf("State strings = %q/%q, want on/off", On, Off)
	}
}

