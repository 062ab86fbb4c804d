package options

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/richinsley/gorenderbridge/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	writeFile(t, home, "bridge.toml", `
pipeline = "test"
bit_depth = 32
context = "null"
device = "soft"
handshake_timeout = "5s"
capture_dir = "~/frames"
`)
	o, err := Load("~/bridge.toml")
	require.NoError(t, err)
	assert.Equal(t, "test", o.Pipeline)
	assert.Equal(t, 32, o.BitDepth)
	assert.Equal(t, ContextNull, o.Context)
	assert.Equal(t, 5*time.Second, o.HandshakeTimeout.Duration)
	assert.Equal(t, filepath.Join(home, "frames"), o.CaptureDir)
	assert.Equal(t, 64, o.StatusSlots, "unset keys keep their default")
	assert.NoError(t, o.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	p := writeFile(t, t.TempDir(), "bad.toml", "pipline = \"test\"\n")
	_, err := Load(p)
	assert.ErrorContains(t, err, "pipline")
}

func TestSaveRoundTrip(t *testing.T) {
	o := Default()
	o.Pipeline = "test"
	o.HandshakeTimeout.Duration = 1500 * time.Millisecond
	p := filepath.Join(t.TempDir(), "out.toml")
	require.NoError(t, o.Save(p))

	back, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, o, back)
}

func TestFlagsOverride(t *testing.T) {
	o := Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	o.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-bitdepth", "8", "-device", "soft", "-handshake-timeout", "2s"}))
	assert.Equal(t, 8, o.BitDepth)
	assert.Equal(t, DeviceSoft, o.Device)
	assert.Equal(t, 2*time.Second, o.HandshakeTimeout.Duration)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"bit depth", func(o *Options) { o.BitDepth = 12 }},
		{"context", func(o *Options) { o.Context = "wayland" }},
		{"device", func(o *Options) { o.Device = "vulkan" }},
		{"gl without context", func(o *Options) { o.Context = ContextNull }},
		{"pipeline", func(o *Options) { o.Pipeline = "" }},
		{"slots", func(o *Options) { o.StatusSlots = 0 }},
		{"timeout", func(o *Options) { o.HandshakeTimeout.Duration = 0 }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			o := Default()
			c.mutate(o)
			assert.Error(t, o.Validate())
		})
	}
}

func TestWorkerCommand(t *testing.T) {
	o := Default()
	o.WorkerPath = "/opt/bridge/renderworker"
	o.WorkerArgs = `-v --name "two words"`
	path, args, err := o.WorkerCommand()
	require.NoError(t, err)
	assert.Equal(t, "/opt/bridge/renderworker", path)
	assert.Equal(t, []string{"-v", "--name", "two words"}, args)

	o.WorkerArgs = `"unterminated`
	_, _, err = o.WorkerCommand()
	assert.Error(t, err)
}

func TestWorkerArgsRoundTrip(t *testing.T) {
	addrs := make(map[protocol.Channel]string)
	for i, ch := range protocol.Channels {
		addrs[ch] = fmt.Sprintf("127.0.0.1:%d", 40000+i)
	}
	o := Default()
	o.Debug = true
	o.FFmpegPath = "/usr/bin/ffmpeg"
	w := o.NewWorkerArgs("abc123", "STATUS_abc123", addrs)

	back, err := ParseWorkerArgs(w.Flags())
	require.NoError(t, err)
	assert.Equal(t, w, back)
}

func TestParseWorkerArgsErrors(t *testing.T) {
	_, err := ParseWorkerArgs([]string{"-status", "s"})
	assert.ErrorContains(t, err, "-bridge")

	_, err = ParseWorkerArgs([]string{"-bridge", "b", "-status", "s"})
	assert.ErrorContains(t, err, "missing channel")

	_, err = ParseWorkerArgs([]string{"-bridge", "b", "-status", "s", "-channel", "NOPE=1.2.3.4:5"})
	assert.ErrorContains(t, err, "unknown channel")
}
