package pipeline

import "math"

// R2Samples returns n sub-pixel offsets in [-0.5, 0.5) from the R2
// low-discrepancy sequence. The first sample is the pixel centre.
func R2Samples(n int) [][2]float32 {
	const g = 1.32471795724474602596 // plastic number
	a1, a2 := 1/g, 1/(g*g)
	out := make([][2]float32, n)
	for i := 1; i < n; i++ {
		x := math.Mod(0.5+a1*float64(i), 1)
		y := math.Mod(0.5+a2*float64(i), 1)
		out[i] = [2]float32{float32(x - 0.5), float32(y - 0.5)}
	}
	return out
}
