package shaderpipeline

import (
	"encoding/json"
	"fmt"
	"maps"
)

const (
	DefaultSamples      = 16
	finalSampleMultiple = 4
)

// Scene is the JSON scene payload of the shader pipeline. Updates are
// partial: keys missing from an update keep their value.
type Scene struct {
	Material string               `json:"material"`
	Time     float32              `json:"time"`
	Mouse    [4]float32           `json:"mouse"`
	Channels [4]string            `json:"channels"`
	Uniforms map[string][]float32 `json:"uniforms"`
	// Samples per interactive frame; FinalSamples for the final render.
	Samples      int `json:"samples"`
	FinalSamples int `json:"final_samples"`
}

// DecodeScene parses a full scene. An empty payload is an empty scene.
func DecodeScene(payload []byte) (*Scene, error) {
	s := &Scene{}
	if len(payload) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(payload, s); err != nil {
		return nil, fmt.Errorf("scene: %w", err)
	}
	return s, nil
}

// Update returns a copy of s with payload applied.
func (s *Scene) Update(payload []byte) (*Scene, error) {
	next := *s
	next.Uniforms = maps.Clone(s.Uniforms)
	if len(payload) == 0 {
		return &next, nil
	}
	if err := json.Unmarshal(payload, &next); err != nil {
		return nil, fmt.Errorf("scene update: %w", err)
	}
	return &next, nil
}

// SampleCount returns the samples one frame accumulates.
func (s *Scene) SampleCount(final bool) int {
	n := s.Samples
	if n <= 0 {
		n = DefaultSamples
	}
	if !final {
		return n
	}
	if s.FinalSamples > 0 {
		return s.FinalSamples
	}
	return n * finalSampleMultiple
}
