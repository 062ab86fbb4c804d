// Package options holds the bridge configuration: a TOML file, overridden by
// command-line flags, plus the argument contract between host and worker.
package options

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
)

// Graphics contexts the worker can own.
const (
	ContextGLFW     = "glfw"
	ContextHeadless = "headless"
	ContextNull     = "null"
)

// GPU devices the worker can render with.
const (
	DeviceGL   = "gl"
	DeviceSoft = "soft"
)

// DefaultWorker is the worker binary looked up on PATH when no path is set.
const DefaultWorker = "renderworker"

// Duration is a time.Duration written as "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Options configures a bridge.
type Options struct {
	// WorkerPath is the worker executable. WorkerArgs are extra arguments
	// passed before the bridge arguments, split like a shell would.
	WorkerPath string `toml:"worker_path"`
	WorkerArgs string `toml:"worker_args"`

	Pipeline string `toml:"pipeline"`
	// BitDepth of interactive viewport buffers: 8, 16 or 32.
	BitDepth int    `toml:"bit_depth"`
	Context  string `toml:"context"`
	Device   string `toml:"device"`

	LogPath  string `toml:"log_path"`
	LogLevel string `toml:"log_level"`
	Debug    bool   `toml:"debug"`

	HandshakeTimeout Duration `toml:"handshake_timeout"`
	StatusSlots      int      `toml:"status_slots"`

	FFmpegPath string `toml:"ffmpeg_path"`
	CaptureDir string `toml:"capture_dir"`
}

// Default returns the built-in configuration.
func Default() *Options {
	return &Options{
		WorkerPath:       DefaultWorker,
		Pipeline:         "shader",
		BitDepth:         16,
		Context:          ContextGLFW,
		Device:           DeviceGL,
		LogLevel:         "info",
		HandshakeTimeout: Duration{30 * time.Second},
		StatusSlots:      64,
		CaptureDir:       ".",
	}
}

// Load reads a TOML file over the defaults. Paths may start with "~".
func Load(path string) (*Options, error) {
	o := Default()
	p, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}
	defer f.Close()

	dec := toml.NewDecoder(f).DisallowUnknownFields()
	if err := dec.Decode(o); err != nil {
		var sm *toml.StrictMissingError
		if errors.As(err, &sm) {
			return nil, fmt.Errorf("options %s: %s", p, sm.String())
		}
		return nil, fmt.Errorf("options %s: %w", p, err)
	}
	if err := o.expandPaths(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Options) expandPaths() error {
	for _, p := range []*string{&o.WorkerPath, &o.LogPath, &o.FFmpegPath, &o.CaptureDir} {
		v, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("options: %w", err)
		}
		*p = v
	}
	return nil
}

// Save writes o as TOML.
func (o *Options) Save(path string) error {
	b, err := toml.Marshal(o)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// RegisterFlags binds the options to fs. Call it after Load so flags
// override the file.
func (o *Options) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.WorkerPath, "worker", o.WorkerPath, "Path to the render worker executable")
	fs.StringVar(&o.WorkerArgs, "worker-args", o.WorkerArgs, "Extra arguments for the worker")
	fs.StringVar(&o.Pipeline, "pipeline", o.Pipeline, "Render pipeline")
	fs.IntVar(&o.BitDepth, "bitdepth", o.BitDepth, "Viewport buffer bit depth (8, 16 or 32)")
	fs.StringVar(&o.Context, "context", o.Context, "Worker graphics context (glfw, headless, null)")
	fs.StringVar(&o.Device, "device", o.Device, "Worker GPU device (gl, soft)")
	fs.StringVar(&o.LogPath, "log", o.LogPath, "Log file (default: temp dir)")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&o.Debug, "debug", o.Debug, "Show the worker window and log to the console")
	fs.DurationVar(&o.HandshakeTimeout.Duration, "handshake-timeout", o.HandshakeTimeout.Duration, "Time to wait for the worker to connect")
	fs.IntVar(&o.StatusSlots, "slots", o.StatusSlots, "Number of viewport status slots")
	fs.StringVar(&o.FFmpegPath, "ffmpeg", o.FFmpegPath, "Path to ffmpeg executable")
	fs.StringVar(&o.CaptureDir, "capture-dir", o.CaptureDir, "Directory for captured frames")
}

// Validate checks that the options can start a bridge.
func (o *Options) Validate() error {
	switch o.BitDepth {
	case 8, 16, 32:
	default:
		return fmt.Errorf("options: bit depth %d not one of 8, 16, 32", o.BitDepth)
	}
	switch o.Context {
	case ContextGLFW, ContextHeadless, ContextNull:
	default:
		return fmt.Errorf("options: unknown context %q", o.Context)
	}
	switch o.Device {
	case DeviceGL:
		if o.Context == ContextNull {
			return errors.New("options: the gl device needs a glfw or headless context")
		}
	case DeviceSoft:
	default:
		return fmt.Errorf("options: unknown device %q", o.Device)
	}
	if o.Pipeline == "" {
		return errors.New("options: no pipeline")
	}
	if o.StatusSlots <= 0 {
		return fmt.Errorf("options: invalid status slot count %d", o.StatusSlots)
	}
	if o.HandshakeTimeout.Duration <= 0 {
		return errors.New("options: handshake timeout must be positive")
	}
	return nil
}

// WorkerCommand returns the worker executable and the extra arguments that
// precede the bridge arguments.
func (o *Options) WorkerCommand() (string, []string, error) {
	path := o.WorkerPath
	if path == "" {
		path = DefaultWorker
	}
	if strings.TrimSpace(o.WorkerArgs) == "" {
		return path, nil, nil
	}
	p := shellwords.NewParser()
	p.ParseEnv = true
	args, err := p.Parse(o.WorkerArgs)
	if err != nil {
		return "", nil, fmt.Errorf("options: worker args: %w", err)
	}
	return path, args, nil
}
