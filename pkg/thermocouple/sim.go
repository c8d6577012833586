package thermocouple

import "sync"

// Sim emulates a MAX6675 on the Lines interface. The frame is latched on the
// CS falling edge and shifted out MSB first, advancing on SCK falling edges.
type Sim struct {
	mu      sync.Mutex
	celsius float32
	open    bool

	cs     bool
	sck    bool
	frame  uint16
	bit    int
	frames int
}

var _ Lines = (*Sim)(nil)

// NewSim creates a connected simulated converter at the given temperature.
func NewSim(celsius float32) *Sim {
	return &Sim{celsius: celsius, cs: true}
}

// SetCelsius sets the temperature reported by the next frame.
func (s *Sim) SetCelsius(c float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.celsius = c
}

// SetOpen simulates a disconnected probe.
func (s *Sim) SetOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = open
}

// Frames returns the number of CS assertions seen so far.
func (s *Sim) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *Sim) SetCS(high bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cs && !high {
		s.frame = s.encode()
		s.bit = frameBits - 1
		s.frames++
	}
	s.cs = high
}

func (s *Sim) SetSCK(high bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sck && !high && !s.cs && s.bit >= 0 {
		s.bit--
	}
	s.sck = high
}

func (s *Sim) SO() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cs || s.bit < 0 {
		return false
	}
	return s.frame&(1<<uint(s.bit)) != 0
}

func (s *Sim) encode() uint16 {
	if s.open {
		return openInputBit
	}
	c := s.celsius
	if c < 0 {
		c = 0
	}
	code := uint16(c/CelsiusPerCount + 0.5)
	if code > 0x0FFF {
		code = 0x0FFF
	}
	return code << codeShift
}
