package pwm

// Pin is a single push-pull output.
type Pin interface {
	Set(high bool)
}

// HC595 drives channels through a 74HC595 serial-in/parallel-out shift
// register. Channel i maps to output bit bits[i]; the other bits keep
// whatever SetBit last put there.
type HC595 struct {
	data, clock, latch Pin
	bits               []uint8
	state              uint8
}

var _ Output = (*HC595)(nil)

// NewHC595 creates a shift-register output and clears the register.
func NewHC595(data, clock, latch Pin, bits ...uint8) *HC595 {
	h := &HC595{data: data, clock: clock, latch: latch, bits: bits}
	h.clock.Set(false)
	h.latch.Set(false)
	h.shift()
	return h
}

// Set switches channel ch.
func (h *HC595) Set(ch int, on bool) {
	if ch < 0 || ch >= len(h.bits) {
		return
	}
	h.SetBit(h.bits[ch], on)
}

// SetBit switches a raw register bit.
func (h *HC595) SetBit(bit uint8, on bool) {
	mask := uint8(1) << (bit & 7)
	if on {
		h.state |= mask
	} else {
		h.state &^= mask
	}
	h.shift()
}

// State returns the register contents.
func (h *HC595) State() uint8 {
	return h.state
}

func (h *HC595) shift() {
	for i := 7; i >= 0; i-- {
		h.data.Set(h.state&(1<<uint(i)) != 0)
		h.clock.Set(true)
		h.clock.Set(false)
	}
	h.latch.Set(true)
	h.latch.Set(false)
}
