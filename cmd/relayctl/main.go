// relayctl controls the widespread 16c0:05df USB HID relay boards. It lists
// attached boards with their serial numbers and relay states and switches
// individual relays on or off.
//
// Usage:
//
//	relayctl [flags] list
//	relayctl [flags] set <serial> <index> <on|off>
//	relayctl [flags] update <serial> <new-serial>
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/dikkadev/prettyslog"

	"usbrelayctl/hid"
	"usbrelayctl/usbrelay"
)

const version = "0.2.0"

// countFlag counts how often a boolean flag was given, for -v -v style
// verbosity.
type countFlag int

func (c *countFlag) String() string   { return strconv.Itoa(int(*c)) }
func (c *countFlag) IsBoolFlag() bool { return true }

func (c *countFlag) Set(value string) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	if v {
		*c++
	}
	return nil
}

// usageError marks a command line the user got wrong, as opposed to a
// runtime failure. main prints the usage text for it and exits 2.
type usageError string

func (e usageError) Error() string { return string(e) }

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: relayctl [flags] <command> [args]

Commands:
  list                          print every attached board and its relay states
  set <serial> <index> <state>  switch one relay (index is 0-based, state on|off)
  update <serial> <new-serial>  assign a new serial number (not implemented)

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	var verbosity countFlag
	configPath := flag.String("config", "", "optional YAML config file")
	transport := flag.String("transport", transportAuto, "HID transport: auto, hidraw or libusb")
	skip := flag.Bool("skip-unsupported", false, "skip devices that fail validation instead of aborting")
	flag.Var(&verbosity, "v", "increase log verbosity (repeat for more)")
	flag.Usage = usage
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	// Flags the user actually set win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "transport":
			cfg.Transport = *transport
		case "skip-unsupported":
			cfg.SkipUnsupported = *skip
		}
	})

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		fatal(err)
	}
	if verbosity > 0 {
		level = verbosityLevel(int(verbosity))
	}
	slog.SetDefault(slog.New(prettyslog.NewPrettyslogHandler("relayctl",
		prettyslog.WithLevel(level),
		prettyslog.WithWriter(os.Stderr),
	)))
	slog.Info("relayctl", "version", version)
	slog.Debug("debug logs are turned on")

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(args[0], args[1:], cfg); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
			flag.Usage()
			os.Exit(2)
		}
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func run(cmd string, args []string, cfg Config) error {
	switch cmd {
	case "list":
		if len(args) != 0 {
			return usageError("list takes no arguments")
		}
		return withBoards(cfg, func(boards []*usbrelay.Board) error {
			for _, b := range boards {
				fmt.Println(b)
			}
			return nil
		})

	case "set":
		if len(args) != 3 {
			return usageError("set needs <serial> <index> <state>")
		}
		serial := args[0]
		index, err := strconv.Atoi(args[1])
		if err != nil {
			return usageError(fmt.Sprintf("invalid relay index %q", args[1]))
		}
		state, err := usbrelay.ParseState(args[2])
		if err != nil {
			return usageError(err.Error())
		}
		slog.Debug("attempting to set relay", "serial", serial, "index", index, "state", state)
		return withBoards(cfg, func(boards []*usbrelay.Board) error {
			b, err := usbrelay.BySerial(boards, serial)
			if err != nil {
				return err
			}
			slog.Info("setting relay", "serial", serial, "index", index, "state", state)
			return b.SetState(index, state)
		})

	case "update":
		if len(args) != 2 {
			return usageError("update needs <serial> <new-serial>")
		}
		return runUpdate(args[0], args[1])
	}
	return usageError(fmt.Sprintf("unknown command %q", cmd))
}

// withBoards opens the configured transport, discovers all boards and hands
// them to fn. Boards and transport are closed when fn returns.
func withBoards(cfg Config, fn func([]*usbrelay.Board) error) error {
	m, err := openManager(cfg.Transport)
	if err != nil {
		return err
	}
	defer m.Close()

	boards, err := usbrelay.Find(m, usbrelay.Options{SkipUnsupported: cfg.SkipUnsupported})
	if err != nil {
		return err
	}
	defer usbrelay.CloseAll(boards)

	return fn(boards)
}

// runUpdate validates the rename request but does not touch the hardware at
// all. The wire format of the set-serial-number command is not documented
// well enough to trust it with a flash write, so the command stays a
// placeholder.
func runUpdate(serial, newSerial string) error {
	if len(newSerial) != usbrelay.SerialNumberSize {
		return usageError(fmt.Sprintf("new serial %q must be exactly %d bytes", newSerial, usbrelay.SerialNumberSize))
	}
	slog.Debug("attempting to update relay serial number", "serial", serial, "new_serial", newSerial)
	fmt.Fprintf(os.Stderr, "update is not implemented yet; %s keeps its serial number\n", serial)
	return nil
}

// openManager maps a transport name onto a hid backend.
func openManager(transport string) (hid.Manager, error) {
	switch transport {
	case "", transportAuto:
		return hid.New()
	case transportHidraw:
		return hid.NewHidraw()
	case transportLibusb:
		return hid.NewLibusb()
	}
	return nil, fmt.Errorf("unknown transport %q (allowed: auto, hidraw, libusb)", transport)
}

// verbosityLevel maps the -v count onto a log level. The default without -v
// is the config file's level (warnings and errors only if unset).
func verbosityLevel(n int) slog.Level {
	switch {
	case n <= 0:
		return slog.LevelWarn
	case n == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
