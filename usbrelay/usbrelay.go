// Package usbrelay implements the feature-report protocol spoken by the
// widespread 16c0:05df USB relay boards. It discovers attached boards through
// a hid.Manager, decodes each board's serial number and per-relay state from
// its feature report, and switches individual relays on or off. All hardware
// access goes through the hid transport interfaces, so the package itself is
// backend- and platform-independent.
package usbrelay

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"usbrelayctl/hid"
)

// Fixed USB identity shared by all supported relay boards. The model (relay
// count) is carried in the product string, not in the product ID.
const (
	VendorID  uint16 = 0x16c0
	ProductID uint16 = 0x05df
)

const (
	// productPrefix starts the product string of every supported board; the
	// decimal suffix is the relay count ("USBRelay2" = 2 relays).
	productPrefix = "USBRelay"
	// maxRelays is the largest board the one-byte state bitmap can describe.
	maxRelays = 8
	// SerialNumberSize is the width of the serial number field in the
	// feature report. Board serial numbers are always exactly this long.
	SerialNumberSize = 5
	// reportSize is the size of every report exchanged with the board,
	// including the leading report ID byte.
	reportSize = 9
	// stateOffset is the position of the relay state bitmap within the
	// feature report.
	stateOffset = 7
)

var (
	// ErrUnsupportedProduct marks a device with the relay vendor/product IDs
	// whose product string is not a supported board model.
	ErrUnsupportedProduct = errors.New("usbrelay: unsupported product")
	// ErrReportSize marks a report exchange that moved an unexpected number
	// of bytes, which means a non-conforming or malfunctioning device.
	ErrReportSize = errors.New("usbrelay: unexpected report size")
	// ErrSerialEncoding marks a feature report whose serial number field is
	// not valid UTF-8.
	ErrSerialEncoding = errors.New("usbrelay: serial number is not valid UTF-8")
	// ErrRelayIndex marks a relay index outside the board's range.
	ErrRelayIndex = errors.New("usbrelay: relay index out of range")
	// ErrNotFound means no discovered board carries the requested serial.
	ErrNotFound = errors.New("usbrelay: no such board")
	// ErrAmbiguousSerial means more than one discovered board carries the
	// requested serial; the boards cannot be told apart, so the selection is
	// refused rather than resolved arbitrarily.
	ErrAmbiguousSerial = errors.New("usbrelay: serial number is not unique")
)

// State is the position of a single relay.
type State uint8

const (
	Off State = iota
	On
)

func (s State) String() string {
	if s == On {
		return "on"
	}
	return "off"
}

// ParseState converts the textual form used on the command line into a State.
func ParseState(s string) (State, error) {
	switch strings.ToLower(s) {
	case "on":
		return On, nil
	case "off":
		return Off, nil
	}
	return Off, fmt.Errorf("invalid relay state %q (allowed: on, off)", s)
}

// command is the opcode vocabulary of the board. Opcodes are placed in the
// first payload byte of a report; setSerialNumber is listed for completeness
// but its wire format is undocumented and it is never sent.
type command byte

const (
	cmdReadFeatures    command = 0x01
	cmdSetSerialNumber command = 0xfa
	cmdTurnOff         command = 0xfd
	cmdTurnOn          command = 0xff
)

// Options control discovery behavior.
type Options struct {
	// SkipUnsupported makes Find log and skip a matching device that fails
	// product validation, opening, or feature decoding instead of failing
	// the whole discovery. By default one bad device aborts the call.
	SkipUnsupported bool
}

// Board is one discovered, open relay board. A Board owns its transport
// handle exclusively: it is created only by Find and must be Closed when no
// longer needed.
type Board struct {
	dev          hid.Device
	serialNumber string
	states       []State
}

// Find discovers all supported relay boards visible through m. Each returned
// board is open and carries its freshly read relay states; the caller owns
// the boards and must close them (CloseAll is convenient for that).
//
// Unless o.SkipUnsupported is set, the first bad device fails the whole call.
// On failure no handles stay open. Error causes are distinguishable with
// errors.Is/As: ErrUnsupportedProduct, ErrReportSize and ErrSerialEncoding
// for protocol-level rejections, *strconv.NumError for a malformed relay
// count suffix, and wrapped transport errors for enumeration and open
// failures. Result order is the enumeration order of the backend and is not
// stable across runs.
func Find(m hid.Manager, o Options) (boards []*Board, err error) {
	infos, err := m.Enumerate(VendorID, ProductID)
	if err != nil {
		return nil, fmt.Errorf("enumerate relay boards: %w", err)
	}

	defer func() {
		if err != nil {
			CloseAll(boards)
			boards = nil
		}
	}()

	for _, info := range infos {
		board, berr := openBoard(m, info)
		if berr != nil {
			if o.SkipUnsupported {
				slog.Warn("skipping relay device", "path", info.Path, "err", berr)
				continue
			}
			return boards, berr
		}
		boards = append(boards, board)
	}
	return boards, nil
}

// openBoard validates one enumerated device, opens it and reads its state.
func openBoard(m hid.Manager, info hid.DeviceInfo) (*Board, error) {
	count, err := relayCount(info.Product)
	if err != nil {
		return nil, err
	}

	dev, err := m.Open(info.Path)
	if err != nil {
		return nil, fmt.Errorf("open board %s: %w", info.Path, err)
	}

	serial, mask, err := readFeatures(dev)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	return &Board{
		dev:          dev,
		serialNumber: serial,
		states:       decodeStates(mask, count),
	}, nil
}

// relayCount derives the relay count from a product string such as
// "USBRelay2". The suffix must be a non-negative decimal and the count must
// fit the one-byte state bitmap.
func relayCount(product string) (int, error) {
	if !strings.HasPrefix(product, productPrefix) {
		return 0, fmt.Errorf("%w %q", ErrUnsupportedProduct, product)
	}
	count, err := strconv.ParseUint(strings.TrimPrefix(product, productPrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse relay count of %q: %w", product, err)
	}
	if count > maxRelays {
		return 0, fmt.Errorf("%w %q: at most %d relays are supported", ErrUnsupportedProduct, product, maxRelays)
	}
	return int(count), nil
}

// readFeatures performs the ReadFeatures exchange: a 9-byte feature report
// whose response carries the serial number in bytes [0..5) and the relay
// state bitmap in byte 7.
func readFeatures(dev hid.Device) (serial string, mask byte, err error) {
	var buf [reportSize]byte
	buf[0] = byte(cmdReadFeatures)

	n, err := dev.GetFeatureReport(buf[:])
	if err != nil {
		return "", 0, fmt.Errorf("read features: %w", err)
	}
	if n != reportSize {
		return "", 0, fmt.Errorf("%w: read %d bytes, want %d", ErrReportSize, n, reportSize)
	}

	raw := buf[:SerialNumberSize]
	if !utf8.Valid(raw) {
		return "", 0, fmt.Errorf("%w: % x", ErrSerialEncoding, raw)
	}
	serial = string(raw)
	mask = buf[stateOffset]

	slog.Debug("relay feature report", "serial", serial, "states", fmt.Sprintf("%08b", mask))
	return serial, mask, nil
}

// decodeStates expands the hardware bitmap into per-relay states: bit i set
// means relay i is on.
func decodeStates(mask byte, count int) []State {
	states := make([]State, count)
	for i := range states {
		if mask&(1<<i) != 0 {
			states[i] = On
		}
	}
	return states
}

// encodeStates is the inverse of decodeStates.
func encodeStates(states []State) byte {
	var mask byte
	for i, s := range states {
		if s == On {
			mask |= 1 << i
		}
	}
	return mask
}

// setStateReport builds the output report for switching one relay. The wire
// addresses relays 1-based while the API is 0-based.
func setStateReport(index int, state State) [reportSize]byte {
	var buf [reportSize]byte
	cmd := cmdTurnOff
	if state == On {
		cmd = cmdTurnOn
	}
	buf[1] = byte(cmd)
	buf[2] = byte(index) + 1
	return buf
}

// SerialNumber returns the board's identity as read from the feature report.
func (b *Board) SerialNumber() string {
	return b.serialNumber
}

// States returns a copy of the last known relay states, indexed by relay.
// The length is fixed by the board model.
func (b *Board) States() []State {
	states := make([]State, len(b.states))
	copy(states, b.states)
	return states
}

// SetState switches a single relay. index is 0-based and must be below the
// board's relay count; on any failure the in-memory states are untouched. On
// success the commanded state is recorded without a verification read-back.
func (b *Board) SetState(index int, state State) error {
	if index < 0 || index >= len(b.states) {
		return fmt.Errorf("%w: index %d, board %s has only %d relays",
			ErrRelayIndex, index, b.serialNumber, len(b.states))
	}

	buf := setStateReport(index, state)
	n, err := b.dev.Write(buf[:])
	if err != nil {
		return fmt.Errorf("switch relay %s:%d: %w", b.serialNumber, index, err)
	}
	if n != reportSize {
		return fmt.Errorf("%w: wrote %d bytes, want %d", ErrReportSize, n, reportSize)
	}

	b.states[index] = state
	slog.Debug("relay state updated", "serial", b.serialNumber, "index", index,
		"state", state, "states", fmt.Sprintf("%08b", encodeStates(b.states)))
	return nil
}

// Close releases the board's transport handle.
func (b *Board) Close() error {
	return b.dev.Close()
}

// String renders the serial number followed by index:state pairs, one per
// relay, e.g. "R2CF5 0:on 1:off".
func (b *Board) String() string {
	var sb strings.Builder
	sb.WriteString(b.serialNumber)
	for i, s := range b.states {
		fmt.Fprintf(&sb, " %d:%s", i, s)
	}
	return sb.String()
}

// BySerial selects the single board with the given serial number. Serial
// numbers are expected to be unique but the hardware does not guarantee it,
// so duplicates are reported as ErrAmbiguousSerial instead of being resolved
// silently; no match is ErrNotFound.
func BySerial(boards []*Board, serial string) (*Board, error) {
	var found *Board
	for _, b := range boards {
		if b.serialNumber != serial {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s", ErrAmbiguousSerial, serial)
		}
		found = b
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, serial)
	}
	return found, nil
}

// CloseAll closes every board, best effort. Useful with defer after Find.
func CloseAll(boards []*Board) {
	for _, b := range boards {
		_ = b.Close()
	}
}
