// Package pwm generates slow software PWM for solid-state relays.
//
// A shared counter runs from 0 to resolution-1, one step per Tick. At
// counter 0 every channel picks up at most one pending duty from its Slot
// and switches ON if the duty is non-zero; later in the period it switches
// OFF once the counter reaches the duty, unless the duty equals the
// resolution.
package pwm

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultResolution = 1000
	DefaultPeriod     = 500 * time.Microsecond
)

// ErrNoChannel is returned for a channel index the engine does not have.
var ErrNoChannel = errors.New("pwm: no such channel")

// Output switches one physical line. It is called from the tick path, only
// on edges, and must not block.
type Output interface {
	Set(ch int, on bool)
}

// Slot is a single-value, overwrite-on-send mailbox. Send never blocks and
// the receiver sees only the latest value.
type Slot struct {
	v atomic.Uint32
}

const pending = 1 << 31

// Send replaces any pending value.
func (s *Slot) Send(duty uint16) {
	s.v.Store(pending | uint32(duty))
}

// Take removes the pending value, if any.
func (s *Slot) Take() (uint16, bool) {
	v := s.v.Swap(0)
	if v&pending == 0 {
		return 0, false
	}
	return uint16(v), true
}

type channel struct {
	slot Slot

	// owned by the tick
	duty uint16
	on   bool

	// published for observers
	latched atomic.Uint32
	lit     atomic.Bool
}

// Engine is the tick-driven duty generator.
type Engine struct {
	out        Output
	resolution uint16
	counter    uint16
	channels   []channel
	ticks      atomic.Uint64
}

// NewEngine creates an engine with all channels OFF.
func NewEngine(out Output, resolution uint16, channels int) *Engine {
	if resolution == 0 {
		resolution = DefaultResolution
	}
	return &Engine{
		out:        out,
		resolution: resolution,
		channels:   make([]channel, channels),
	}
}

// Resolution returns the number of ticks per period.
func (e *Engine) Resolution() uint16 {
	return e.resolution
}

// Channels returns the number of channels.
func (e *Engine) Channels() int {
	return len(e.channels)
}

// Send hands a new duty to channel ch. The value is clamped to the
// resolution and takes effect at the next period start.
func (e *Engine) Send(ch int, duty uint16) error {
	if ch < 0 || ch >= len(e.channels) {
		return errors.Wrapf(ErrNoChannel, "channel %d", ch)
	}
	if duty > e.resolution {
		duty = e.resolution
	}
	e.channels[ch].slot.Send(duty)
	return nil
}

// Tick advances the counter by one step. It does not allocate, lock or block.
func (e *Engine) Tick() {
	if e.counter == 0 {
		for i := range e.channels {
			c := &e.channels[i]
			if d, ok := c.slot.Take(); ok {
				c.duty = d
				c.latched.Store(uint32(d))
			}
			e.set(i, c.duty > 0)
		}
	} else {
		for i := range e.channels {
			c := &e.channels[i]
			if c.duty != e.resolution && e.counter >= c.duty {
				e.set(i, false)
			}
		}
	}

	e.counter++
	if e.counter >= e.resolution {
		e.counter = 0
	}
	e.ticks.Add(1)
}

func (e *Engine) set(i int, on bool) {
	c := &e.channels[i]
	if c.on == on {
		return
	}
	c.on = on
	c.lit.Store(on)
	e.out.Set(i, on)
}

// Off forces every channel OFF and drops pending and latched duties. It must
// be called from the goroutine that ticks, or after ticking stopped.
func (e *Engine) Off() {
	for i := range e.channels {
		c := &e.channels[i]
		c.slot.Take()
		c.duty = 0
		c.latched.Store(0)
		c.on = false
		c.lit.Store(false)
		e.out.Set(i, false)
	}
	e.counter = 0
}

// On reports the last state written to channel ch.
func (e *Engine) On(ch int) bool {
	if ch < 0 || ch >= len(e.channels) {
		return false
	}
	return e.channels[ch].lit.Load()
}

// Duty returns the duty latched by channel ch for the current period.
func (e *Engine) Duty(ch int) uint16 {
	if ch < 0 || ch >= len(e.channels) {
		return 0
	}
	return uint16(e.channels[ch].latched.Load())
}

// Ticks returns the number of ticks executed so far.
func (e *Engine) Ticks() uint64 {
	return e.ticks.Load()
}

// Run ticks every period on a locked OS thread until ctx is cancelled, then
// switches every channel OFF.
func (e *Engine) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = DefaultPeriod
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	defer e.Off()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Tick()
		}
	}
}
