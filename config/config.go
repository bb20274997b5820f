// Package config handles tinybeam.toml runtime configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"

	"github.com/chazu/tinybeam/drivers/spi"
	"github.com/chazu/tinybeam/vm"

	_ "github.com/tliron/commonlog/simple"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "tinybeam.toml"

// Config represents a tinybeam.toml file.
type Config struct {
	Heap      HeapConfig      `toml:"heap"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Log       LogConfig       `toml:"log"`
	Ports     PortsConfig     `toml:"ports"`

	// Dir is the directory containing the tinybeam.toml file (set at load time).
	Dir string `toml:"-"`

	console *os.File
}

// HeapConfig sizes process heaps, in words.
type HeapConfig struct {
	InitialWords int `toml:"initial-words"`
	MaxWords     int `toml:"max-words"`
}

// SchedulerConfig configures the scheduler.
type SchedulerConfig struct {
	Reductions int `toml:"reductions"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// PortsConfig selects the port drivers installed in the runtime.
type PortsConfig struct {
	Console ConsoleConfig `toml:"console"`
	SPI     SPIConfig     `toml:"spi"`
}

// ConsoleConfig configures the console port.
type ConsoleConfig struct {
	// Output is "stdout", "stderr" or a file path.
	Output string `toml:"output"`
}

// SPIConfig configures the SPI port driver.
type SPIConfig struct {
	Enabled bool `toml:"enabled"`
	// Registers preloads the in-memory bus, keyed by decimal address.
	Registers map[string]uint8 `toml:"registers"`
}

// Load parses a tinybeam.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if c.Ports.Console.Output == "" {
		c.Ports.Console.Output = "stdout"
	}

	return &c, nil
}

// FindAndLoad walks up from startDir to find a tinybeam.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Options converts the configuration into runtime options. Zero values are
// filled in by the runtime defaults. A console output file is opened once and
// shared by later calls until Close.
func (c *Config) Options() (vm.Options, error) {
	out, err := c.consoleWriter()
	if err != nil {
		return vm.Options{}, err
	}
	return vm.Options{
		InitialHeapWords: c.Heap.InitialWords,
		MaxHeapWords:     c.Heap.MaxWords,
		Reductions:       c.Scheduler.Reductions,
		Console:          out,
	}, nil
}

func (c *Config) consoleWriter() (io.Writer, error) {
	switch c.Ports.Console.Output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if c.console != nil {
		return c.console, nil
	}
	path := c.Ports.Console.Output
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.Dir, path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("console output: %w", err)
	}
	c.console = f
	return f, nil
}

// Close releases the console output file, if one was opened.
func (c *Config) Close() error {
	if c.console == nil {
		return nil
	}
	err := c.console.Close()
	c.console = nil
	return err
}

// Install registers the configured optional port drivers in rt.
func (c *Config) Install(rt *vm.Runtime) error {
	if !c.Ports.SPI.Enabled {
		return nil
	}
	initial := make(map[uint8]uint8, len(c.Ports.SPI.Registers))
	for key, v := range c.Ports.SPI.Registers {
		var addr uint8
		if _, err := fmt.Sscanf(key, "%d", &addr); err != nil {
			return fmt.Errorf("ports.spi.registers: bad address %q: %w", key, err)
		}
		initial[addr] = v
	}
	spi.Register(rt, func(spi.Config) (spi.Bus, error) {
		return spi.NewMemoryBus(initial), nil
	})
	return nil
}

// ConfigureLogging sets up the commonlog backend.
func (c *Config) ConfigureLogging() {
	var path *string
	if c.Log.Path != "" {
		p := c.Log.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.Dir, p)
		}
		path = &p
	}
	commonlog.Configure(c.Log.Verbosity, path)
}

// NewRuntime builds a runtime from the configuration: logging, options and
// optional drivers. interp executes interpreted processes. Call Close once
// the runtime is done with console output.
func (c *Config) NewRuntime(interp vm.Interpreter) (*vm.Runtime, error) {
	c.ConfigureLogging()
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	opts.Interpreter = interp
	rt := vm.New(opts)
	if err := c.Install(rt); err != nil {
		c.Close()
		return nil, err
	}
	return rt, nil
}
