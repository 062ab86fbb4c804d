package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/richinsley/gorenderbridge/protocol"
)

func asMaterial(m protocol.Message) (*protocol.Material, error) {
	mat, ok := m.(*protocol.Material)
	if !ok {
		return nil, fmt.Errorf("material: unexpected %s message", m.Kind())
	}
	return mat, nil
}

// takeReply consumes the reply at the head of the outstanding queue.
// materialMu must be held.
func (b *Bridge) takeReply(m protocol.Message) error {
	mat, err := asMaterial(m)
	if err != nil {
		return err
	}
	keep := b.outstanding[0]
	b.outstanding = b.outstanding[1:]
	if keep {
		b.asyncDone = append(b.asyncDone, mat)
	}
	return nil
}

// flushOutstanding receives the replies queued ahead of the caller's so the
// next reply on the channel belongs to the caller. materialMu must be held.
func (b *Bridge) flushOutstanding(ctx context.Context) error {
	for len(b.outstanding) > 0 {
		m, err := b.recv(ctx, protocol.ChannelMaterial)
		if err != nil {
			return err
		}
		if err := b.takeReply(m); err != nil {
			return err
		}
	}
	return nil
}

// abandon queues n replies that will arrive for a call that stopped waiting.
func (b *Bridge) abandon(n int) {
	for range n {
		b.outstanding = append(b.outstanding, false)
	}
}

// CompileMaterial compiles one material and waits for the result. A failed
// compile is reported in the returned material's Error, not as an error.
func (b *Bridge) CompileMaterial(ctx context.Context, path string, searchPaths []string) (*protocol.Material, error) {
	mats, err := b.CompileMaterials(ctx, []string{path}, searchPaths)
	if err != nil {
		return nil, err
	}
	return mats[0], nil
}

// CompileMaterials sends every request before waiting for the first reply.
// Results are in the order of paths. When ctx ends first, the late replies
// are dropped by the next material call.
func (b *Bridge) CompileMaterials(ctx context.Context, paths []string, searchPaths []string) ([]*protocol.Material, error) {
	b.materialMu.Lock()
	defer b.materialMu.Unlock()

	for i, p := range paths {
		if err := b.send(protocol.ChannelMaterial, &protocol.CompileMaterial{Path: p, SearchPaths: searchPaths}); err != nil {
			b.abandon(i)
			return nil, err
		}
	}
	if err := b.flushOutstanding(ctx); err != nil {
		b.abandon(len(paths))
		return nil, err
	}
	mats := make([]*protocol.Material, 0, len(paths))
	for i := range paths {
		m, err := b.recv(ctx, protocol.ChannelMaterial)
		if err != nil {
			b.abandon(len(paths) - i)
			return nil, err
		}
		mat, err := asMaterial(m)
		if err != nil {
			b.abandon(len(paths) - i - 1)
			return nil, err
		}
		mats = append(mats, mat)
	}
	return mats, nil
}

// CompileMaterialsAsync sends compile requests without waiting. The results
// are collected with ReceiveAsyncMaterials.
func (b *Bridge) CompileMaterialsAsync(paths []string, searchPaths []string) error {
	b.materialMu.Lock()
	defer b.materialMu.Unlock()
	for _, p := range paths {
		if err := b.send(protocol.ChannelMaterial, &protocol.CompileMaterial{Path: p, SearchPaths: searchPaths}); err != nil {
			return err
		}
		b.outstanding = append(b.outstanding, true)
	}
	return nil
}

// ReceiveAsyncMaterials returns the async results that have arrived so far,
// in request order, without blocking.
func (b *Bridge) ReceiveAsyncMaterials() ([]*protocol.Material, error) {
	b.materialMu.Lock()
	defer b.materialMu.Unlock()

	conn := b.conns[protocol.ChannelMaterial]
	for len(b.outstanding) > 0 {
		m, ok, err := conn.TryRecv()
		if err != nil {
			return nil, b.fail(err)
		}
		if !ok {
			break
		}
		if err := b.takeReply(m); err != nil {
			return nil, err
		}
	}
	done := b.asyncDone
	b.asyncDone = nil
	return done, nil
}

// PendingMaterials returns the number of async compiles still outstanding.
func (b *Bridge) PendingMaterials() int {
	b.materialMu.Lock()
	defer b.materialMu.Unlock()
	n := 0
	for _, async := range b.outstanding {
		if async {
			n++
		}
	}
	return n
}

// ReflectLibraries asks the pipeline what the shader libraries at paths
// declare.
func (b *Bridge) ReflectLibraries(ctx context.Context, paths []string) (*protocol.Reflection, error) {
	b.reflectMu.Lock()
	defer b.reflectMu.Unlock()
	if err := b.send(protocol.ChannelReflection, &protocol.Reflect{Paths: paths}); err != nil {
		return nil, err
	}
	// Drop the replies of earlier calls that gave up.
	for b.abandoned > 0 {
		if _, err := b.recv(ctx, protocol.ChannelReflection); err != nil {
			b.abandoned++
			return nil, err
		}
		b.abandoned--
	}
	m, err := b.recv(ctx, protocol.ChannelReflection)
	if err != nil {
		b.abandoned++
		return nil, err
	}
	r, ok := m.(*protocol.Reflection)
	if !ok {
		return nil, fmt.Errorf("reflection: unexpected %s message", m.Kind())
	}
	return r, nil
}

// WatchMaterials recompiles the materials at paths asynchronously whenever
// their source files change. Results arrive through ReceiveAsyncMaterials.
func (b *Bridge) WatchMaterials(paths []string, searchPaths []string) error {
	if err := b.check(); err != nil {
		return err
	}
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	if b.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("watch materials: %w", err)
		}
		b.watcher = w
		go b.watchLoop(w)
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		// Editors replace files on save, so the directory is watched.
		if err := b.watcher.Add(filepath.Dir(abs)); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		b.watched[abs] = searchPaths
	}
	return nil
}

func (b *Bridge) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			b.watchMu.Lock()
			searchPaths, watched := b.watched[filepath.Clean(event.Name)]
			b.watchMu.Unlock()
			if !watched {
				continue
			}
			b.log.Debug("material changed", "path", event.Name)
			if err := b.CompileMaterialsAsync([]string{event.Name}, searchPaths); err != nil {
				if errors.Is(err, ErrConnectionLost) {
					return
				}
				b.log.Warn("recompile material", "path", event.Name, "err", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			b.log.Warn("material watcher", "err", err)
		}
	}
}
