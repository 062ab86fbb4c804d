//go:build !linux

package headless

import (
	"errors"

	"github.com/richinsley/gorenderbridge/graphics"
)

// NewHeadless reports that EGL contexts need Linux; use the glfw or null
// context elsewhere.
func NewHeadless(width, height int) (graphics.Context, error) {
	return nil, errors.New("headless: EGL contexts are only available on linux")
}
