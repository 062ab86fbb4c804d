package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/richinsley/gorenderbridge/capture"
	"github.com/richinsley/gorenderbridge/gpu"
	"github.com/richinsley/gorenderbridge/graphics"
	"github.com/richinsley/gorenderbridge/options"
	"github.com/richinsley/gorenderbridge/status"
	"github.com/richinsley/gorenderbridge/transport"
)

// Connect joins the bridge described by args: it opens the host's status
// table, dials every channel and starts a server on dev and gfx. The
// returned server owns the table and the connections.
func Connect(ctx context.Context, args *options.WorkerArgs, dev gpu.Device, gfx graphics.Context, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	table, err := status.Open(args.Status, args.Slots)
	if err != nil {
		return nil, err
	}
	conns, err := transport.DialAll(ctx, args.ID, args.Addresses, log)
	if err != nil {
		table.Close()
		return nil, fmt.Errorf("worker %s: %w", args.ID, err)
	}
	capturer := capture.NewWriter(args.CaptureDir, args.FFmpegPath, log)
	srv, err := New(Config{
		Pipeline: args.Pipeline,
		Device:   dev,
		Context:  gfx,
		Status:   table,
		Conns:    conns,
		Capturer: capturer,
		Logger:   log,
	})
	if err != nil {
		capturer.Close()
		conns.Close()
		table.Close()
		return nil, err
	}
	srv.closers = append(srv.closers, table)
	return srv, nil
}
