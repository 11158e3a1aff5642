// Package config holds the demo's YAML panel configuration: which panel size
// is attached, which SPI port, and which GPIO lines carry the five control
// signals.
package config

import (
	"errors"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Pins names the GPIO lines by their gpioreg names (e.g. "GPIO22").
type Pins struct {
	PanelOn   string `yaml:"panel_on"`
	Border    string `yaml:"border"`
	Discharge string `yaml:"discharge"`
	Reset     string `yaml:"reset"`
	Busy      string `yaml:"busy"`
}

// Config is the top-level demo configuration.
type Config struct {
	// Panel is the size tag: "1.44", "2.0" or "2.7".
	Panel string `yaml:"panel"`

	// SPI is the spireg port name; empty selects the default bus.
	SPI string `yaml:"spi"`

	Pins Pins `yaml:"pins"`

	// Temperature is the ambient temperature in Celsius used for the
	// compensation tables.
	Temperature int `yaml:"temperature"`
}

// DefaultConfig matches the wiring of the reference Raspberry Pi adapter
// board.
func DefaultConfig() *Config {
	return &Config{
		Panel: "2.0",
		SPI:   "",
		Pins: Pins{
			PanelOn:   "GPIO22",
			Border:    "GPIO14",
			Discharge: "GPIO15",
			Reset:     "GPIO23",
			Busy:      "GPIO24",
		},
		Temperature: 25,
	}
}

// Normalize fills missing values so partial configs keep working.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Panel == "" {
		c.Panel = d.Panel
	}
	if c.Pins.PanelOn == "" {
		c.Pins.PanelOn = d.Pins.PanelOn
	}
	if c.Pins.Border == "" {
		c.Pins.Border = d.Pins.Border
	}
	if c.Pins.Discharge == "" {
		c.Pins.Discharge = d.Pins.Discharge
	}
	if c.Pins.Reset == "" {
		c.Pins.Reset = d.Pins.Reset
	}
	if c.Pins.Busy == "" {
		c.Pins.Busy = d.Pins.Busy
	}
	if c.Temperature == 0 {
		c.Temperature = d.Temperature
	}
}

// Load reads the YAML config at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}
