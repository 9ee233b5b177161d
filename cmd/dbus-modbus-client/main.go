// Command dbus-modbus-client discovers and polls Modbus TCP/UDP/RTU/ASCII
// devices, publishing each one onto an object bus service tree and
// persisting its role/instance/custom-name settings, per spec.md §6.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/victronenergy/dbus-modbus-client/internal/devspec"
	"github.com/victronenergy/dbus-modbus-client/internal/mbclient"
	"github.com/victronenergy/dbus-modbus-client/internal/mdns"
	"github.com/victronenergy/dbus-modbus-client/internal/objectbus"
	"github.com/victronenergy/dbus-modbus-client/internal/probe"
	"github.com/victronenergy/dbus-modbus-client/internal/scan"
	"github.com/victronenergy/dbus-modbus-client/internal/settingsstore"
	"github.com/victronenergy/dbus-modbus-client/internal/supervisor"
	"github.com/victronenergy/dbus-modbus-client/internal/vendor/dsegenset"
	"github.com/victronenergy/dbus-modbus-client/internal/vendor/evcharger"
	"github.com/victronenergy/dbus-modbus-client/internal/vendor/victronem"
	"github.com/victronenergy/dbus-modbus-client/internal/watchdog"
)

// rateList collects repeated -r/--rate flags into an ordered, deduplicated
// int slice, since flag has no native repeatable-int type.
type rateList struct{ vals []int }

func (r *rateList) String() string {
	ss := make([]string, len(r.vals))
	for i, v := range r.vals {
		ss[i] = strconv.Itoa(v)
	}
	return strings.Join(ss, ",")
}

func (r *rateList) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("bad rate %q: %w", s, err)
	}
	r.vals = append(r.vals, v)
	return nil
}

func buildRegistry() *probe.Registry {
	reg := probe.NewRegistry()
	victronem.Register(reg)
	dsegenset.Register(reg)
	evcharger.Register(reg)
	return reg
}

func buildMDNSDiscoverer(logger *log.Logger) *mdns.Discoverer {
	return mdns.New([]string{
		victronem.MDNSService,
		evcharger.MDNSService,
	}, logger)
}

func main() {
	var (
		debug      bool
		forceScan  bool
		mode       string
		serialTTY  string
		listModels bool
		probeSpec  string
		exitOnFail bool
		settingsDB string
		name       string
		rates      rateList
	)

	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.BoolVar(&debug, "d", false, "enable debug logging (shorthand)")
	flag.BoolVar(&forceScan, "force-scan", false, "unconditional scan at startup")
	flag.BoolVar(&forceScan, "f", false, "unconditional scan at startup (shorthand)")
	flag.StringVar(&mode, "mode", "", "serial framing: rtu or ascii")
	flag.StringVar(&mode, "m", "", "serial framing: rtu or ascii (shorthand)")
	flag.Var(&rates, "rate", "candidate baud rate (repeatable)")
	flag.Var(&rates, "r", "candidate baud rate (repeatable, shorthand)")
	flag.StringVar(&serialTTY, "serial", "", "serial-only mode on given tty")
	flag.StringVar(&serialTTY, "s", "", "serial-only mode on given tty (shorthand)")
	flag.BoolVar(&listModels, "models", false, "list supported models and exit")
	flag.StringVar(&probeSpec, "probe", "", "one-shot probe of method:target:port:unit, print info, exit")
	flag.StringVar(&probeSpec, "P", "", "one-shot probe (shorthand)")
	flag.BoolVar(&exitOnFail, "exit", false, "exit(1) on any device failure")
	flag.BoolVar(&exitOnFail, "x", false, "exit(1) on any device failure (shorthand)")
	flag.StringVar(&settingsDB, "settings", "modbusclient-settings.db", "path to the persisted settings store")
	flag.StringVar(&name, "name", "modbusclient", "supervisor service name suffix")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if debug {
		logger.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	reg := buildRegistry()

	if listModels {
		for _, m := range reg.ListModels() {
			fmt.Println(m.Model)
		}
		os.Exit(0)
	}

	pool := mbclient.NewPool(logger)

	if probeSpec != "" {
		os.Exit(runOneShotProbe(pool, reg, probeSpec))
	}

	settings, err := settingsstore.Open(settingsDB)
	if err != nil {
		logger.Fatalf("open settings store %s: %v", settingsDB, err)
	}
	defer settings.Close()

	bus := objectbus.NewInMemoryBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logger.Printf("received signal %v, shutting down", s)
		cancel()
	}()

	var scanner *scan.Scanner
	var disc *mdns.Discoverer

	if serialTTY != "" {
		if err := runSerialScan(pool, reg, serialTTY, mode, rates.vals, settings, logger); err != nil {
			logger.Fatalf("serial scan %s: %v", serialTTY, err)
		}
	} else {
		scanner = scan.New(pool, reg)
		scanner.Logger = logger
		disc = buildMDNSDiscoverer(logger)
	}

	wd := watchdog.New(watchdog.DefaultTimeout, logger)
	defer wd.Stop()

	cfg := supervisor.Config{Name: name, ExitOnFail: exitOnFail}
	sup := supervisor.New(pool, reg, bus, settings, scanner, disc, wd, cfg, logger)

	if forceScan && scanner != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			sup.StartScan()
		}()
	}

	if err := sup.Run(ctx); err != nil {
		logger.Fatalf("supervisor: %v", err)
	}
}

// runOneShotProbe implements the -P/--probe flag: probe a single spec,
// print its identity on a match, and return the process exit code.
func runOneShotProbe(pool *mbclient.Pool, reg *probe.Registry, raw string) int {
	spec, err := devspec.Parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		return 1
	}

	found, _ := reg.Probe(pool, []devspec.Spec{spec}, nil, probe.DefaultTimeout, nil)
	if len(found) == 0 {
		fmt.Fprintf(os.Stderr, "probe: no match for %s\n", spec)
		return 1
	}

	d := found[0]
	fmt.Printf("ident=%s model=%s product=%s role=%s\n", d.IdentStr, d.Model, d.ProductName, d.Role)
	d.Client.Put(pool)
	return 0
}

// runSerialScan implements -s/--serial's "serial-only mode on given tty":
// run the two-phase serial scan once against tty and fold any matches
// into the settings store's persisted device list, so the supervisor's
// normal startup (loadPersistedDevices) adopts them without a network
// scanner or mDNS discoverer running alongside a single dedicated port.
func runSerialScan(pool *mbclient.Pool, reg *probe.Registry, tty, modeFlag string, userRates []int, settings *settingsstore.Store, logger *log.Logger) error {
	method := devspec.RTU
	switch modeFlag {
	case "", "rtu":
		method = devspec.RTU
	case "ascii":
		method = devspec.ASCII
	default:
		return fmt.Errorf("unknown serial mode %q", modeFlag)
	}

	rates := userRates
	if len(rates) == 0 {
		rates = reg.Rates(method)
	}

	scanner := scan.New(pool, reg)
	scanner.Logger = logger
	if err := scanner.SerialScan(tty, method, rates, true, 0); err != nil {
		return err
	}

	existing, err := settings.Devices()
	if err != nil {
		return fmt.Errorf("read persisted devices: %w", err)
	}
	for _, d := range scanner.Found() {
		existing[d.Spec] = struct{}{}
		d.Client.Put(pool)
	}
	return settings.SetDevices(existing)
}
