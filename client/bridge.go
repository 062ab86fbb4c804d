// Package client is the host side of the bridge. A Bridge launches a render
// worker, talks to it over the protocol channels and reads rendered frames
// straight out of shared memory.
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/richinsley/gorenderbridge/options"
	"github.com/richinsley/gorenderbridge/protocol"
	"github.com/richinsley/gorenderbridge/sharedmemory"
	"github.com/richinsley/gorenderbridge/status"
	"github.com/richinsley/gorenderbridge/transport"
)

var (
	// ErrConnectionLost is returned by every call once the worker is gone.
	ErrConnectionLost = transport.ErrConnectionLost
	// ErrUnknownViewport is returned for viewport ids that were never
	// leased or rendered.
	ErrUnknownViewport = errors.New("unknown viewport")
	// ErrNoViewports is returned by LeaseViewport when every status slot is
	// leased.
	ErrNoViewports = errors.New("no free viewport")
)

// shutdownGrace is how long Close waits for the worker before killing it.
const shutdownGrace = 5 * time.Second

// Bridge is a connection to one render worker.
type Bridge struct {
	id     string
	opts   *options.Options
	log    *slog.Logger
	reg    *sharedmemory.Registry
	table  *status.Table
	hub    *transport.Hub
	conns  transport.Set
	worker Worker
	params *protocol.Parameters

	lost    atomic.Bool
	exited  chan struct{}
	exitErr error

	materialMu sync.Mutex
	// outstanding has one entry per material reply that no call is waiting
	// for, in send order: true for async requests, false for replies of
	// calls that gave up before their reply arrived.
	outstanding []bool
	asyncDone   []*protocol.Material

	reflectMu sync.Mutex
	// abandoned counts reflection replies of calls that gave up.
	abandoned int

	textureMu   sync.Mutex
	textureSeq  uint64
	textureAck  uint64
	textureErrs []error

	viewports map[int]*viewportState
	leased    map[int]bool

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	watched map[string][]string

	closeOnce sync.Once
}

func newID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// New starts a worker with launcher and waits for it to connect and announce
// its pipeline parameters.
func New(ctx context.Context, opts *options.Options, launcher Launcher) (*Bridge, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	id := newID()
	b := &Bridge{
		id:        id,
		opts:      opts,
		log:       slog.Default().With("bridge", id),
		reg:       sharedmemory.NewRegistry(),
		exited:    make(chan struct{}),
		viewports: make(map[int]*viewportState),
		leased:    make(map[int]bool),
		watched:   make(map[string][]string),
	}
	if err := b.start(ctx, launcher); err != nil {
		b.shutdown()
		return nil, err
	}
	b.log.Info("bridge ready", "pipeline", b.params.Pipeline, "parameters", len(b.params.Params))
	return b, nil
}

func (b *Bridge) start(ctx context.Context, launcher Launcher) error {
	var err error
	statusName := "STATUS_" + b.id
	if b.table, err = status.Create(statusName, b.opts.StatusSlots); err != nil {
		return err
	}
	if b.hub, err = transport.Listen(b.id, protocol.Channels, b.log); err != nil {
		return err
	}
	args := b.opts.NewWorkerArgs(b.id, statusName, b.hub.Addresses())
	if b.worker, err = launcher.Launch(ctx, b.opts, args); err != nil {
		return fmt.Errorf("launch worker: %w", err)
	}
	go b.watchWorker()

	ctx, cancel := context.WithTimeout(ctx, b.opts.HandshakeTimeout.Duration)
	defer cancel()
	go func() {
		select {
		case <-b.exited:
			cancel()
		case <-ctx.Done():
		}
	}()

	if b.conns, err = b.hub.Accept(ctx); err != nil {
		return b.startErr("handshake", err)
	}
	m, err := b.conns[protocol.ChannelParams].Recv(ctx)
	if err != nil {
		return b.startErr("parameters", err)
	}
	params, ok := m.(*protocol.Parameters)
	if !ok {
		return fmt.Errorf("parameters: unexpected %s message", m.Kind())
	}
	b.params = params
	return nil
}

// startErr explains a failed startup by the worker exit when there was one.
func (b *Bridge) startErr(stage string, err error) error {
	select {
	case <-b.exited:
		return fmt.Errorf("%s: worker exited: %v: %w", stage, b.exitErr, ErrConnectionLost)
	default:
		return fmt.Errorf("%s: %w", stage, err)
	}
}

func (b *Bridge) watchWorker() {
	err := b.worker.Wait()
	b.exitErr = err
	b.lost.Store(true)
	close(b.exited)
	if err != nil {
		b.log.Warn("worker exited", "err", err)
		return
	}
	b.log.Info("worker exited")
}

// ID returns the random id that names the bridge's channels and segments.
func (b *Bridge) ID() string { return b.id }

// LostConnection reports whether the worker has gone away.
func (b *Bridge) LostConnection() bool { return b.lost.Load() }

// Parameters returns what the worker's pipeline announced at startup.
func (b *Bridge) Parameters() *protocol.Parameters { return b.params }

// Stats returns the worker's latest statistics text.
func (b *Bridge) Stats() string { return b.table.Stats() }

func (b *Bridge) check() error {
	if b.lost.Load() {
		return ErrConnectionLost
	}
	return nil
}

// fail marks the bridge lost on transport failures.
func (b *Bridge) fail(err error) error {
	if errors.Is(err, transport.ErrConnectionLost) {
		b.lost.Store(true)
	}
	return err
}

func (b *Bridge) send(ch protocol.Channel, m protocol.Message) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.fail(b.conns[ch].Send(m))
}

func (b *Bridge) recv(ctx context.Context, ch protocol.Channel) (protocol.Message, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	m, err := b.conns[ch].Recv(ctx)
	return m, b.fail(err)
}

// Close stops watching materials, closes the channels, waits for the worker
// to exit and removes every shared segment the bridge created.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() { err = b.shutdown() })
	return err
}

func (b *Bridge) shutdown() error {
	var errs []error
	b.watchMu.Lock()
	if b.watcher != nil {
		errs = append(errs, b.watcher.Close())
		b.watcher = nil
	}
	b.watchMu.Unlock()

	if b.conns != nil {
		errs = append(errs, b.conns.Close())
	}
	if b.hub != nil {
		errs = append(errs, b.hub.Close())
	}
	if b.worker != nil {
		select {
		case <-b.exited:
		case <-time.After(shutdownGrace):
			b.log.Warn("worker did not exit, killing it")
			errs = append(errs, b.worker.Kill())
			<-b.exited
		}
	}
	b.lost.Store(true)
	if b.table != nil {
		errs = append(errs, b.table.Close())
	}
	errs = append(errs, b.reg.Close())
	return errors.Join(errs...)
}
