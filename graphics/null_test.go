package graphics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNullContext(t *testing.T) {
	var c Null
	c.PollEvents()
	c.SwapBuffers()
	c.SwapBuffers()
	c.SetSwapInterval(1)
	assert.Equal(t, int64(1), c.Polls())
	assert.Equal(t, int64(2), c.Swaps())
	assert.Equal(t, 1, c.Interval())
	assert.False(t, c.ShouldClose())
	c.Shutdown()
	assert.True(t, c.ShouldClose())
}
