// Command renderworker is the render worker process. It is started by a
// bridge host, connects back over the channels named on its command line and
// renders until the host goes away.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"

	"github.com/richinsley/gorenderbridge/glfwcontext"
	"github.com/richinsley/gorenderbridge/gpu"
	"github.com/richinsley/gorenderbridge/gpu/glgpu"
	"github.com/richinsley/gorenderbridge/gpu/softgpu"
	"github.com/richinsley/gorenderbridge/graphics"
	"github.com/richinsley/gorenderbridge/headless"
	"github.com/richinsley/gorenderbridge/logging"
	"github.com/richinsley/gorenderbridge/options"
	"github.com/richinsley/gorenderbridge/server"

	_ "github.com/richinsley/gorenderbridge/pipeline/shaderpipeline"
	_ "github.com/richinsley/gorenderbridge/pipeline/testpipeline"
)

// Size of the worker's own framebuffer. Viewports render offscreen.
const (
	windowWidth  = 640
	windowHeight = 480
)

func init() {
	// GL and the windowing system are bound to the main thread.
	runtime.LockOSThread()
}

// openContext creates the graphics context named by args and makes it
// current. The returned function tears it down.
func openContext(args *options.WorkerArgs) (graphics.Context, func(), error) {
	switch args.Context {
	case options.ContextGLFW:
		if err := glfwcontext.InitGraphics(); err != nil {
			return nil, nil, fmt.Errorf("glfw: %w", err)
		}
		c, err := glfwcontext.New(windowWidth, windowHeight, args.Debug)
		if err != nil {
			glfwcontext.TerminateGraphics()
			return nil, nil, fmt.Errorf("glfw window: %w", err)
		}
		c.MakeCurrent()
		return c, func() {
			c.Shutdown()
			glfwcontext.TerminateGraphics()
		}, nil
	case options.ContextHeadless:
		c, err := headless.NewHeadless(windowWidth, windowHeight)
		if err != nil {
			return nil, nil, err
		}
		c.MakeCurrent()
		return c, c.Shutdown, nil
	case options.ContextNull:
		c := &graphics.Null{}
		return c, c.Shutdown, nil
	}
	return nil, nil, fmt.Errorf("unknown context %q", args.Context)
}

func openDevice(args *options.WorkerArgs) (gpu.Device, error) {
	switch args.Device {
	case options.DeviceGL:
		d, err := glgpu.New()
		if err != nil {
			return nil, err
		}
		slog.Info("OpenGL device", "version", d.Version())
		return d, nil
	case options.DeviceSoft:
		return softgpu.New(), nil
	}
	return nil, fmt.Errorf("unknown device %q", args.Device)
}

func run() error {
	args, err := options.ParseWorkerArgs(os.Args[1:])
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(args.LogLevel)
	if err != nil {
		return err
	}
	log, logFile, err := logging.Setup(logging.Config{
		Process: "worker",
		Path:    args.LogPath,
		Level:   level,
		Console: args.Debug,
	})
	if err != nil {
		return err
	}
	defer logFile.Close()
	log = log.With("bridge", args.ID)
	slog.SetDefault(log)

	gfx, closeContext, err := openContext(args)
	if err != nil {
		log.Error("failed to create graphics context", "context", args.Context, "err", err)
		return err
	}
	defer closeContext()
	dev, err := openDevice(args)
	if err != nil {
		log.Error("failed to create device", "device", args.Device, "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	srv, err := server.Connect(ctx, args, dev, gfx, log)
	if err != nil {
		log.Error("failed to connect to host", "err", err)
		return err
	}
	defer srv.Close()
	if err := srv.Run(ctx); err != nil {
		log.Error("worker stopped", "err", err)
		return err
	}
	log.Info("worker stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "renderworker:", err)
		os.Exit(1)
	}
}
