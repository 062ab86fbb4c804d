// Package graphics abstracts the window or surface that owns the worker's
// GL context.
package graphics

// Context owns a GL context and its default framebuffer. All methods must be
// called from the thread the context was created on.
type Context interface {
	MakeCurrent()
	// PollEvents services the windowing system so the OS does not consider
	// the worker hung.
	PollEvents()
	SwapBuffers()
	// SetSwapInterval sets vsync: 1 throttles an idle loop, 0 lets a busy
	// loop run as fast as it can.
	SetSwapInterval(interval int)
	ShouldClose() bool
	Shutdown()
}
