// Command renderbridge starts a render worker, renders one material through
// it and reports when the frame has converged. With -watch it keeps the
// worker alive and re-renders whenever the material source changes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/richinsley/gorenderbridge/client"
	"github.com/richinsley/gorenderbridge/gpu"
	"github.com/richinsley/gorenderbridge/logging"
	"github.com/richinsley/gorenderbridge/options"
)

const pollInterval = 10 * time.Millisecond

// loadOptions applies the config file, then re-applies the flags given on the
// command line so they win over the file.
func loadOptions(path string, o *options.Options) (*options.Options, error) {
	if path == "" {
		return o, nil
	}
	file, err := options.Load(path)
	if err != nil {
		return nil, err
	}
	over := flag.NewFlagSet("overrides", flag.ContinueOnError)
	file.RegisterFlags(over)
	var setErr error
	flag.Visit(func(f *flag.Flag) {
		if over.Lookup(f.Name) == nil || setErr != nil {
			return
		}
		setErr = over.Set(f.Name, f.Value.String())
	})
	return file, setErr
}

func main() {
	opts := options.Default()
	opts.RegisterFlags(flag.CommandLine)
	var configPath = flag.String("config", "", "TOML configuration file")
	var width = flag.Int("width", 1280, "Width of the viewport")
	var height = flag.Int("height", 720, "Height of the viewport")
	var scene = flag.String("scene", "", "Scene payload (default: a scene using the material)")
	var final = flag.Bool("final", false, "Render through the final render viewport")
	var capture = flag.Bool("capture", false, "Write the converged frame to the capture directory")
	var watch = flag.Bool("watch", false, "Re-render when the material changes")
	var help = flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *help || flag.NArg() != 1 {
		fmt.Println("usage: renderbridge [flags] material.glsl")
		flag.PrintDefaults()
		return
	}
	opts, err := loadOptions(*configPath, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "renderbridge:", err)
		os.Exit(2)
	}

	level, err := logging.ParseLevel(opts.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "renderbridge:", err)
		os.Exit(2)
	}
	log, logFile, err := logging.Setup(logging.Config{Process: "host", Path: opts.LogPath, Level: level, Console: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, "renderbridge:", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = run(ctx, opts, renderArgs{
		material:   flag.Arg(0),
		resolution: gpu.Resolution{Width: *width, Height: *height},
		scene:      *scene,
		final:      *final,
		capture:    *capture,
		watch:      *watch,
	})
	stop()
	logFile.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "renderbridge:", err)
		os.Exit(1)
	}
}

type renderArgs struct {
	material   string
	resolution gpu.Resolution
	scene      string
	final      bool
	capture    bool
	watch      bool
}

func run(ctx context.Context, opts *options.Options, args renderArgs) error {
	material, err := filepath.Abs(args.material)
	if err != nil {
		return err
	}
	scene := []byte(args.scene)
	if len(scene) == 0 {
		if scene, err = json.Marshal(map[string]string{"material": material}); err != nil {
			return err
		}
	}

	start := time.Now()
	b, err := client.New(ctx, opts, client.ProcessLauncher{})
	if err != nil {
		return err
	}
	defer b.Close()
	slog.Info("worker connected", "pipeline", b.Parameters().Pipeline, "took", time.Since(start))

	searchPaths := []string{filepath.Dir(material)}
	m, err := b.CompileMaterial(ctx, material, searchPaths)
	if err != nil {
		return err
	}
	if m.Error != "" {
		slog.Error("material failed to compile", "path", m.Path, "err", m.Error)
		if !args.watch {
			return errors.New("material failed to compile")
		}
	}
	if args.watch {
		if err := b.WatchMaterials([]string{material}, searchPaths); err != nil {
			return err
		}
	}

	id := client.FinalRenderID
	if !args.final {
		if id, err = b.LeaseViewport(); err != nil {
			return err
		}
	}
	var renderOpts []client.RenderOption
	if args.capture {
		renderOpts = append(renderOpts, client.WithCapture())
	}
	if err := b.Render(id, args.resolution, scene, false, renderOpts...); err != nil {
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	start = time.Now()
	reported := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if b.LostConnection() {
			return client.ErrConnectionLost
		}
		mats, err := b.ReceiveAsyncMaterials()
		if err != nil {
			return err
		}
		for _, m := range mats {
			if m.Error != "" {
				slog.Error("material failed to compile", "path", m.Path, "err", m.Error)
				continue
			}
			slog.Info("material recompiled", "path", m.Path)
			start = time.Now()
		}

		r, err := b.RenderResult(id)
		if err != nil {
			return err
		}
		if !r.Finished {
			reported = false
			continue
		}
		if reported {
			continue
		}
		reported = true
		slog.Info("frame finished", "viewport", id, "resolution", r.Resolution.String(), "took", time.Since(start))
		fmt.Print(b.Stats())
		if !args.watch {
			return nil
		}
	}
}
