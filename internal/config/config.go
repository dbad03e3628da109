// Package config assembles the runtime configuration from, in increasing
// precedence: built-in defaults, a YAML file, KMSTOUCH_* environment
// variables and command line flags.
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"kmstouch/internal/errors"
	"kmstouch/internal/evdev"
	"kmstouch/internal/kms"
)

var ErrConfig = errors.Sentinel("invalid configuration")

const envPrefix = "KMSTOUCH_"

// CardMemory selects the in-memory display instead of a DRM node.
const CardMemory = "memory"

// InputSynthetic selects the scripted input source instead of a device.
const InputSynthetic = "synthetic"

type Config struct {
	Card              string        `yaml:"card"`  // empty: first card with dumb buffers
	Input             string        `yaml:"input"` // empty: auto-detect
	Grab              bool          `yaml:"grab"`
	AllowMissingInput bool          `yaml:"allow_missing_input"`
	Protocol          string        `yaml:"protocol"`
	RecordSize        int           `yaml:"record_size"`
	Buffers           int           `yaml:"buffers"`
	FrameInterval     time.Duration `yaml:"frame_interval"`
	FlipTimeout       time.Duration `yaml:"flip_timeout"`
	ModePolicy        string        `yaml:"mode_policy"`
	Calibration       []float64     `yaml:"calibration"`
	Pointercal        string        `yaml:"pointercal"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	MirrorURL         string        `yaml:"mirror_url"`
	Debug             bool          `yaml:"debug"`
	DumpEvents        bool          `yaml:"dump_events"`

	// File is the YAML file to load; it is only set by flag or environment.
	File string `yaml:"-"`
}

func Default() Config {
	return Config{
		Grab:        true,
		Protocol:    "auto",
		Buffers:     kms.DefaultBuffers,
		FlipTimeout: kms.DefaultFlipTimeout,
		ModePolicy:  kms.FirstMode.String(),
	}
}

// LoadYAML overlays the fields present in r onto c. Unknown keys are errors.
func (c *Config) LoadYAML(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.Step(ErrConfig, "decode yaml", err)
	}
	return nil
}

func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Step(ErrConfig, "read "+path, err)
	}
	if err := c.LoadYAML(bytes.NewReader(b)); err != nil {
		return errors.WrapPrefix(err, path, 0)
	}
	return nil
}

// ApplyEnv overlays KMSTOUCH_* variables.
func (c *Config) ApplyEnv() error {
	c.File = getenvDefault(envPrefix+"CONFIG", c.File)
	c.Card = getenvDefault(envPrefix+"CARD", c.Card)
	c.Input = getenvDefault(envPrefix+"INPUT", c.Input)
	c.Grab = getenvBoolDefault(envPrefix+"GRAB", c.Grab)
	c.AllowMissingInput = getenvBoolDefault(envPrefix+"ALLOW_MISSING_INPUT", c.AllowMissingInput)
	c.Protocol = getenvDefault(envPrefix+"PROTOCOL", c.Protocol)
	c.RecordSize = getenvIntDefault(envPrefix+"RECORD_SIZE", c.RecordSize)
	c.Buffers = getenvIntDefault(envPrefix+"BUFFERS", c.Buffers)
	c.FrameInterval = getenvDurationDefault(envPrefix+"FRAME_INTERVAL", c.FrameInterval)
	c.FlipTimeout = getenvDurationDefault(envPrefix+"FLIP_TIMEOUT", c.FlipTimeout)
	c.ModePolicy = getenvDefault(envPrefix+"MODE_POLICY", c.ModePolicy)
	c.Pointercal = getenvDefault(envPrefix+"POINTERCAL", c.Pointercal)
	c.MetricsAddr = getenvDefault(envPrefix+"METRICS_ADDR", c.MetricsAddr)
	c.MirrorURL = getenvDefault(envPrefix+"MIRROR_URL", c.MirrorURL)
	c.Debug = getenvBoolDefault(envPrefix+"DEBUG", c.Debug)
	c.DumpEvents = getenvBoolDefault(envPrefix+"DUMP_EVENTS", c.DumpEvents)
	if v := os.Getenv(envPrefix + "CALIBRATION"); v != "" {
		cal, err := parseFloats(v)
		if err != nil {
			return errors.Step(ErrConfig, envPrefix+"CALIBRATION", err)
		}
		c.Calibration = cal
	}
	return nil
}

// BindFlags registers one flag per field, writing into c.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.File, "config", c.File, "YAML config file")
	fs.StringVar(&c.Card, "card", c.Card, `DRM device (e.g. /dev/dri/card0); empty auto-detects, "memory" runs headless`)
	fs.StringVar(&c.Input, "input", c.Input, `touch device (e.g. /dev/input/event3); empty auto-detects, "synthetic" scripts input`)
	fs.BoolVar(&c.Grab, "grab", c.Grab, "EVIOCGRAB the touch device")
	fs.BoolVar(&c.AllowMissingInput, "allow-missing-input", c.AllowMissingInput, "keep running without a touch device")
	fs.StringVar(&c.Protocol, "protocol", c.Protocol, "touch protocol: auto|mt|single")
	fs.IntVar(&c.RecordSize, "record-size", c.RecordSize, "input record size in bytes (16 or 24); 0 uses the native size")
	fs.IntVar(&c.Buffers, "buffers", c.Buffers, "scanout buffers (2..4)")
	fs.DurationVar(&c.FrameInterval, "frame-interval", c.FrameInterval, "tick period; 0 follows the display refresh rate")
	fs.DurationVar(&c.FlipTimeout, "flip-timeout", c.FlipTimeout, "max wait for a page flip to complete")
	fs.StringVar(&c.ModePolicy, "mode-policy", c.ModePolicy, "display mode selection: first|preferred|largest")
	fs.Var((*floatList)(&c.Calibration), "calibration", "affine calibration a,b,c,d,e,f,div")
	fs.StringVar(&c.Pointercal, "pointercal", c.Pointercal, "tslib pointercal file with the calibration")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address (e.g. :9100)")
	fs.StringVar(&c.MirrorURL, "mirror", c.MirrorURL, "mirror touch events and diagnostics to this WebSocket URL")
	fs.BoolVar(&c.DumpEvents, "dump-events", c.DumpEvents, "log every raw input record (noisy)")
}

// Resolve applies file and environment underneath the flags already parsed
// into c, so that explicitly set flags still win.
func Resolve(c *Config, fs *pflag.FlagSet) error {
	set := map[string]string{}
	fs.Visit(func(f *pflag.Flag) { set[f.Name] = f.Value.String() })

	file := c.File
	if file == "" {
		file = os.Getenv(envPrefix + "CONFIG")
	}
	if file != "" {
		if err := c.LoadFile(file); err != nil {
			return err
		}
	}
	if err := c.ApplyEnv(); err != nil {
		return err
	}
	for name, v := range set {
		if err := fs.Set(name, v); err != nil {
			return errors.Step(ErrConfig, "--"+name, err)
		}
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	if c.Buffers < 2 || c.Buffers > kms.MaxBuffers {
		return errors.Step(ErrConfig, "buffers must be 2.."+strconv.Itoa(kms.MaxBuffers)+", got "+strconv.Itoa(c.Buffers), nil)
	}
	if _, err := c.TouchProtocol(); err != nil {
		return err
	}
	if _, err := kms.ParseModePolicy(c.ModePolicy); err != nil {
		return errors.Step(ErrConfig, "mode policy", err)
	}
	if c.RecordSize != 0 && c.RecordSize != evdev.RecordSize32 && c.RecordSize != evdev.RecordSize64 {
		return errors.Step(ErrConfig, "record size must be 16 or 24", nil)
	}
	if c.FrameInterval < 0 || c.FlipTimeout < 0 {
		return errors.Step(ErrConfig, "negative duration", nil)
	}
	if len(c.Calibration) > 0 && c.Pointercal != "" {
		return errors.Step(ErrConfig, "calibration and pointercal are exclusive", nil)
	}
	if len(c.Calibration) > 0 {
		if _, err := evdev.NewCalibration(c.Calibration); err != nil {
			return errors.Step(ErrConfig, "calibration", err)
		}
	}
	return nil
}

func (c *Config) TouchProtocol() (evdev.Protocol, error) {
	switch strings.ToLower(c.Protocol) {
	case "", "auto":
		return evdev.ProtocolAuto, nil
	case "mt", "multitouch":
		return evdev.ProtocolMT, nil
	case "single", "st":
		return evdev.ProtocolSingle, nil
	}
	return evdev.ProtocolAuto, errors.Step(ErrConfig, "unknown touch protocol "+strconv.Quote(c.Protocol), nil)
}

func (c *Config) Policy() kms.ModePolicy {
	p, _ := kms.ParseModePolicy(c.ModePolicy)
	return p
}

// TouchCalibration returns the configured matrix, or nil when the device
// ranges should be used.
func (c *Config) TouchCalibration() (*evdev.Calibration, error) {
	switch {
	case len(c.Calibration) > 0:
		cal, err := evdev.NewCalibration(c.Calibration)
		if err != nil {
			return nil, err
		}
		return &cal, nil
	case c.Pointercal != "":
		f, err := os.Open(c.Pointercal)
		if err != nil {
			return nil, errors.Step(evdev.ErrCalibration, "open "+c.Pointercal, err)
		}
		defer f.Close()
		cal, err := evdev.ParsePointercal(f)
		if err != nil {
			return nil, err
		}
		return &cal, nil
	}
	return nil, nil
}

type floatList []float64

func (l *floatList) String() string {
	parts := make([]string, len(*l))
	for i, v := range *l {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func (l *floatList) Set(s string) error {
	v, err := parseFloats(s)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

func (l *floatList) Type() string { return "floats" }

func parseFloats(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, errors.Wrap(err, 0)
		}
		out = append(out, v)
	}
	return out, nil
}
