// Package spi implements the SPI peripheral port driver.
//
// A port is opened with open_port({spawn, "spi"}, Opts) where Opts is
//
//	[{bus_config, [{miso_io_num, N}, {mosi_io_num, N}, {sclk_io_num, N}]},
//	 {device_config, [{spi_clock_hz, N}, {spi_mode, N},
//	                  {spi_cs_io_num, N}, {address_len_bits, N}]}]
//
// Requests are {Caller, Ref, {read_at, Address, Len}} and
// {Caller, Ref, {write_at, Address, Len, Data}}. Each request is answered
// with {ok, Byte} or error sent to Caller.
package spi

import (
	"github.com/pkg/errors"
	"github.com/tliron/commonlog"

	"github.com/chazu/tinybeam/vm"
)

var log = commonlog.GetLogger("tinybeam.spi")

// DriverName is the port name the driver registers under.
const DriverName = "spi"

// BusConfig holds the bus pins.
type BusConfig struct {
	MISO int
	MOSI int
	SCLK int
}

// DeviceConfig holds the settings of the attached device.
type DeviceConfig struct {
	ClockHz     int
	Mode        int
	CS          int
	AddressBits int
}

// Config is the parsed option list of an SPI port.
type Config struct {
	Bus    BusConfig
	Device DeviceConfig
}

// Bus performs single-byte register transfers on an SPI device.
type Bus interface {
	ReadAt(address uint8) (uint8, error)
	WriteAt(address, data uint8) (uint8, error)
}

// Opener attaches to the device described by cfg.
type Opener func(cfg Config) (Bus, error)

// Register installs the driver in rt; every port opened gets its own bus
// from open.
func Register(rt *vm.Runtime, open Opener) {
	rt.RegisterPortDriver(DriverName, func(port *vm.Process, src *vm.Heap, opts vm.Term) (vm.NativeHandler, error) {
		cfg := ParseConfig(rt, src, opts)
		bus, err := open(cfg)
		if err != nil {
			return nil, errors.Wrap(err, "spi bus initialization failed")
		}
		log.Infof("initialized SPI device on %s: %+v", vm.FormatPid(port.Pid()), cfg)
		d := &driver{rt: rt, bus: bus}
		return d.consumeMailbox, nil
	})
}

// ParseConfig reads bus_config and device_config from opts. Missing pins
// default to -1 and missing device settings to a 1 MHz mode 0 device with
// 8 address bits.
func ParseConfig(rt *vm.Runtime, h *vm.Heap, opts vm.Term) Config {
	busOpts, _ := vm.ProplistGet(h, opts, rt.Atom("bus_config"))
	devOpts, _ := vm.ProplistGet(h, opts, rt.Atom("device_config"))
	return Config{
		Bus: BusConfig{
			MISO: int(vm.ProplistInt(h, busOpts, rt.Atom("miso_io_num"), -1)),
			MOSI: int(vm.ProplistInt(h, busOpts, rt.Atom("mosi_io_num"), -1)),
			SCLK: int(vm.ProplistInt(h, busOpts, rt.Atom("sclk_io_num"), -1)),
		},
		Device: DeviceConfig{
			ClockHz:     int(vm.ProplistInt(h, devOpts, rt.Atom("spi_clock_hz"), 1000000)),
			Mode:        int(vm.ProplistInt(h, devOpts, rt.Atom("spi_mode"), 0)),
			CS:          int(vm.ProplistInt(h, devOpts, rt.Atom("spi_cs_io_num"), -1)),
			AddressBits: int(vm.ProplistInt(h, devOpts, rt.Atom("address_len_bits"), 8)),
		},
	}
}

type driver struct {
	rt  *vm.Runtime
	bus Bus
}

// consumeMailbox serves exactly one request per quantum. Requests without a
// {Caller, Ref, _} envelope have nobody to answer and are dropped.
func (d *driver) consumeMailbox(p *vm.Process) error {
	msg, ok := p.Dequeue()
	if !ok {
		return nil
	}
	h := p.Heap()
	caller, ok := vm.RequestCaller(h, msg, 3)
	if !ok {
		log.Debugf("dropping malformed request %s", vm.Format(h, msg, d.rt.Atoms()))
		return nil
	}
	req := h.TupleElement(msg, 2)

	reply, err := d.serve(p, req)
	if err != nil {
		log.Errorf("spi: %v", err)
		reply = vm.Error
	}
	return d.rt.Send(h, caller, reply)
}

func (d *driver) serve(p *vm.Process, req vm.Term) (vm.Term, error) {
	h := p.Heap()
	if !req.IsBoxed() || !h.IsTuple(req) || h.TupleArity(req) < 1 {
		return vm.Nil, errors.New("malformed request")
	}

	var (
		rx  uint8
		err error
	)
	switch cmd := h.TupleElement(req, 0); cmd {
	case vm.ReadAt:
		if h.TupleArity(req) != 3 {
			return vm.Nil, errors.Errorf("read_at: arity %d", h.TupleArity(req))
		}
		addr := h.TupleElement(req, 1)
		if !addr.IsSmallInt() {
			return vm.Nil, errors.New("read_at: address is not an integer")
		}
		rx, err = d.bus.ReadAt(uint8(addr.SmallInt()))
		if err != nil {
			return vm.Nil, errors.Wrapf(err, "read_at %#x", addr.SmallInt())
		}
	case vm.WriteAt:
		if h.TupleArity(req) != 4 {
			return vm.Nil, errors.Errorf("write_at: arity %d", h.TupleArity(req))
		}
		addr, data := h.TupleElement(req, 1), h.TupleElement(req, 3)
		if !addr.IsSmallInt() || !data.IsSmallInt() {
			return vm.Nil, errors.New("write_at: address and data must be integers")
		}
		rx, err = d.bus.WriteAt(uint8(addr.SmallInt()), uint8(data.SmallInt()))
		if err != nil {
			return vm.Nil, errors.Wrapf(err, "write_at %#x", addr.SmallInt())
		}
	default:
		return vm.Nil, errors.Errorf("unrecognized command %s", vm.Format(h, cmd, d.rt.Atoms()))
	}

	// The request is dead past this point, so the allocation may collect.
	return p.MakeTuple(vm.OK, vm.FromSmallInt(int64(rx)))
}
