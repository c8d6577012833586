package profile

import "github.com/itohio/goreflow/pkg/mathx"

// DefaultRampWindow is the manual-mode ramp length in seconds.
const DefaultRampWindow = 90

// Ramp is a linear approach from Origin to Target over Window seconds.
type Ramp struct {
	Origin float32
	Target float32
	Window uint32
}

// At returns Origin at 0 and exactly Target from Window on.
func (r Ramp) At(elapsed uint32) float32 {
	if elapsed >= r.Window {
		return r.Target
	}
	return mathx.Lerp(r.Origin, r.Target, float32(elapsed)/float32(r.Window))
}
