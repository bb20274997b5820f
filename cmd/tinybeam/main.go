// tinybeam CLI - runs a runtime with the configured ports and drives them
// from the command line.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chazu/tinybeam/config"
	"github.com/chazu/tinybeam/drivers/spi"
	"github.com/chazu/tinybeam/vm"
	"github.com/chazu/tinybeam/vm/inspect"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	dir := flag.String("C", ".", "Directory to search for tinybeam.toml")
	spiRead := flag.String("spi-read", "", "Comma separated SPI register addresses to read")
	snapshot := flag.String("snapshot", "", "Write a CBOR process table snapshot to this file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tinybeam [options] [lines...]\n\n")
		fmt.Fprintf(os.Stderr, "Writes each line through the console port and reads SPI registers through the spi port.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tinybeam hello world          # Print two lines via the console port\n")
		fmt.Fprintf(os.Stderr, "  tinybeam -spi-read 0,5        # Read registers 0 and 5 ([ports.spi] must be enabled)\n")
		fmt.Fprintf(os.Stderr, "  tinybeam -snapshot ps.cbor x  # Dump the process table afterwards\n")
	}
	flag.Parse()

	cfg, err := config.FindAndLoad(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		cfg = &config.Config{Dir: *dir}
	} else if *verbose {
		fmt.Printf("Loaded %s/%s\n", cfg.Dir, config.FileName)
	}

	rt, err := cfg.NewRuntime(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	replies := &collector{rt: rt, verbose: *verbose}
	rt.RegisterPortDriver("collector", replies.open)
	self, err := rt.OpenPort(nil, "collector", vm.Nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if args := flag.Args(); len(args) > 0 {
		if err := writeLines(rt, self, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if *spiRead != "" {
		if !cfg.Ports.SPI.Enabled {
			fmt.Fprintf(os.Stderr, "Error: -spi-read needs [ports.spi] enabled = true\n")
			os.Exit(1)
		}
		if err := readRegisters(rt, self, *spiRead); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	quanta := rt.Scheduler().RunUntilIdle()
	if err := cfg.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		fmt.Printf("Ran %d quanta, %d replies\n", quanta, len(replies.got))
	}
	for _, r := range replies.spi {
		fmt.Println(r)
	}

	if *snapshot != "" {
		data, err := inspect.Marshal(inspect.Take(rt))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*snapshot, data, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

// collector is a port that records every reply sent to it.
type collector struct {
	rt      *vm.Runtime
	verbose bool
	got     []string
	spi     []string
}

func (c *collector) open(*vm.Process, *vm.Heap, vm.Term) (vm.NativeHandler, error) {
	return func(p *vm.Process) error {
		msg, ok := p.Dequeue()
		if !ok {
			return nil
		}
		text := vm.Format(p.Heap(), msg, c.rt.Atoms())
		c.got = append(c.got, text)
		if msg.IsBoxed() && p.Heap().IsTuple(msg) {
			c.spi = append(c.spi, text)
		}
		if c.verbose {
			fmt.Printf("reply: %s\n", text)
		}
		return nil
	}, nil
}

func writeLines(rt *vm.Runtime, self vm.Term, lines []string) error {
	console, err := rt.OpenPort(nil, "console", vm.Nil)
	if err != nil {
		return err
	}
	for _, line := range lines {
		b := []byte(line + "\n")
		h := vm.NewHeap(vm.BinaryWords(len(b))+vm.TupleWords(2), 0)
		msg := h.AllocTuple(2)
		h.PutTupleElement(msg, 0, self)
		h.PutTupleElement(msg, 1, h.AllocBinary(b))
		if err := rt.Send(h, console, msg); err != nil {
			return err
		}
	}
	return nil
}

func readRegisters(rt *vm.Runtime, self vm.Term, list string) error {
	port, err := rt.OpenPort(nil, spi.DriverName, vm.Nil)
	if err != nil {
		return err
	}
	for _, field := range strings.Split(list, ",") {
		addr, err := strconv.ParseUint(strings.TrimSpace(field), 0, 8)
		if err != nil {
			return fmt.Errorf("bad register address %q: %w", field, err)
		}
		h := vm.NewHeap(vm.TupleWords(3)+vm.TupleWords(3)+vm.RefWords, 0)
		req := h.AllocTuple(3)
		h.PutTupleElement(req, 0, vm.ReadAt)
		h.PutTupleElement(req, 1, vm.FromSmallInt(int64(addr)))
		h.PutTupleElement(req, 2, vm.FromSmallInt(1))
		msg := h.AllocTuple(3)
		h.PutTupleElement(msg, 0, self)
		h.PutTupleElement(msg, 1, h.AllocRef(rt.Registry().NextRefTicks()))
		h.PutTupleElement(msg, 2, req)
		if err := rt.Send(h, port, msg); err != nil {
			return err
		}
	}
	return nil
}
