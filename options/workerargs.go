package options

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/richinsley/gorenderbridge/protocol"
)

// WorkerArgs is everything the host tells a worker on its command line.
type WorkerArgs struct {
	// ID is the bridge id the worker presents on every channel.
	ID        string
	Addresses map[protocol.Channel]string
	// Status is the logical name of the status table segment.
	Status     string
	Slots      int
	Pipeline   string
	Context    string
	Device     string
	LogPath    string
	LogLevel   string
	Debug      bool
	CaptureDir string
	FFmpegPath string
}

// NewWorkerArgs fills the worker arguments shared with o.
func (o *Options) NewWorkerArgs(id, status string, addrs map[protocol.Channel]string) *WorkerArgs {
	return &WorkerArgs{
		ID:         id,
		Addresses:  addrs,
		Status:     status,
		Slots:      o.StatusSlots,
		Pipeline:   o.Pipeline,
		Context:    o.Context,
		Device:     o.Device,
		LogPath:    o.LogPath,
		LogLevel:   o.LogLevel,
		Debug:      o.Debug,
		CaptureDir: o.CaptureDir,
		FFmpegPath: o.FFmpegPath,
	}
}

// channelFlag collects repeated -channel NAME=ADDR flags.
type channelFlag map[protocol.Channel]string

func (c channelFlag) String() string {
	parts := make([]string, 0, len(c))
	for ch, addr := range c {
		parts = append(parts, string(ch)+"="+addr)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (c channelFlag) Set(v string) error {
	name, addr, ok := strings.Cut(v, "=")
	if !ok || name == "" || addr == "" {
		return fmt.Errorf("channel %q: want NAME=ADDR", v)
	}
	ch := protocol.Channel(name)
	for _, known := range protocol.Channels {
		if ch == known {
			c[ch] = addr
			return nil
		}
	}
	return fmt.Errorf("unknown channel %q", name)
}

// Flags renders the arguments as worker command-line flags.
func (w *WorkerArgs) Flags() []string {
	args := []string{
		"-bridge", w.ID,
		"-status", w.Status,
		"-slots", strconv.Itoa(w.Slots),
		"-pipeline", w.Pipeline,
		"-context", w.Context,
		"-device", w.Device,
	}
	for _, ch := range protocol.Channels {
		if addr, ok := w.Addresses[ch]; ok {
			args = append(args, "-channel", string(ch)+"="+addr)
		}
	}
	if w.LogPath != "" {
		args = append(args, "-log", w.LogPath)
	}
	if w.LogLevel != "" {
		args = append(args, "-log-level", w.LogLevel)
	}
	if w.Debug {
		args = append(args, "-debug")
	}
	if w.CaptureDir != "" {
		args = append(args, "-capture-dir", w.CaptureDir)
	}
	if w.FFmpegPath != "" {
		args = append(args, "-ffmpeg", w.FFmpegPath)
	}
	return args
}

// ParseWorkerArgs parses the worker command line. Arguments that are not
// flags are ignored.
func ParseWorkerArgs(args []string) (*WorkerArgs, error) {
	w := &WorkerArgs{Addresses: make(map[protocol.Channel]string)}
	fs := flag.NewFlagSet("renderworker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&w.ID, "bridge", "", "Bridge id")
	fs.StringVar(&w.Status, "status", "", "Status table name")
	fs.IntVar(&w.Slots, "slots", 64, "Status table slots")
	fs.StringVar(&w.Pipeline, "pipeline", "", "Render pipeline")
	fs.StringVar(&w.Context, "context", ContextGLFW, "Graphics context")
	fs.StringVar(&w.Device, "device", DeviceGL, "GPU device")
	fs.Var(channelFlag(w.Addresses), "channel", "Channel address NAME=ADDR (repeated)")
	fs.StringVar(&w.LogPath, "log", "", "Log file")
	fs.StringVar(&w.LogLevel, "log-level", "info", "Log level")
	fs.BoolVar(&w.Debug, "debug", false, "Debug mode")
	fs.StringVar(&w.CaptureDir, "capture-dir", ".", "Capture directory")
	fs.StringVar(&w.FFmpegPath, "ffmpeg", "", "Path to ffmpeg executable")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("worker args: %w", err)
	}

	if w.ID == "" {
		return nil, errors.New("worker args: missing -bridge")
	}
	if w.Status == "" {
		return nil, errors.New("worker args: missing -status")
	}
	for _, ch := range protocol.Channels {
		if _, ok := w.Addresses[ch]; !ok {
			return nil, fmt.Errorf("worker args: missing channel %s", ch)
		}
	}
	return w, nil
}
