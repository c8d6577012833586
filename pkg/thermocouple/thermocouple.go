// Package thermocouple reads K-type thermocouple temperatures from a MAX6675
// converter over its bit-serial (SPI mode 1, read-only) interface.
package thermocouple

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultMinInterval is the device conversion time plus margin. Reading
	// earlier aborts the running conversion and returns stale data.
	DefaultMinInterval = 220 * time.Millisecond

	// CelsiusPerCount is the fixed scale of the 12-bit temperature code.
	CelsiusPerCount = 0.25

	frameBits    = 16
	codeMask     = 0x7FF8
	codeShift    = 3
	openInputBit = 0x04
)

var (
	// ErrNotReady is returned when Sample is called before the conversion
	// interval has elapsed. No line is touched in that case.
	ErrNotReady = errors.New("thermocouple: conversion not ready")
	// ErrOpenCircuit is returned when the converter reports a disconnected probe.
	ErrOpenCircuit = errors.New("thermocouple: open circuit")
)

// Lines is the bit-level access the sampler needs. SO and SCK may be shared
// between several converters as long as each has its own chip-select.
type Lines interface {
	SetCS(high bool)
	SetSCK(high bool)
	SO() bool
}

// Reading is a decoded 12-bit temperature code.
type Reading struct {
	Code uint16
}

// Celsius converts the code to degrees Celsius.
func (r Reading) Celsius() float32 {
	return ToCelsius(float32(r.Code))
}

// ToCelsius scales a (possibly averaged) code to degrees Celsius.
func ToCelsius(code float32) float32 {
	return code * CelsiusPerCount
}

// Decode extracts the temperature code from a raw 16-bit frame.
func Decode(raw uint16) (Reading, error) {
	if raw&openInputBit != 0 {
		return Reading{}, ErrOpenCircuit
	}
	return Reading{Code: (raw & codeMask) >> codeShift}, nil
}

// Config holds sampler timing.
type Config struct {
	// MinInterval between transactions.
	MinInterval time.Duration
	// BitDelay is the setup/hold delay around every clock edge. The device
	// needs 100ns; zero skips the explicit delay when line access is slower.
	BitDelay time.Duration
}

// Option customizes a Sampler.
type Option func(*Sampler)

// WithClock replaces the wall clock and sleep function, mostly for tests.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(s *Sampler) {
		if now != nil {
			s.now = now
		}
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// Sampler performs rate-limited MAX6675 transactions.
type Sampler struct {
	lines Lines
	cfg   Config
	now   func() time.Time
	sleep func(time.Duration)

	mu         sync.Mutex
	lastSample time.Time
	sampled    bool
	last       Reading
}

// New creates a sampler and parks the lines idle (CS high, SCK low).
func New(lines Lines, cfg Config, opts ...Option) *Sampler {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	s := &Sampler{
		lines: lines,
		cfg:   cfg,
		now:   time.Now,
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}

	lines.SetCS(true)
	lines.SetSCK(false)

	return s
}

// Sample reads one frame. It returns ErrNotReady when called within
// MinInterval of the previous transaction and ErrOpenCircuit when the probe
// is disconnected. Both are expected and must not be fed into a filter.
func (s *Sampler) Sample() (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.sampled && now.Sub(s.lastSample) < s.cfg.MinInterval {
		return Reading{}, ErrNotReady
	}

	raw := s.transfer()
	// CS going high restarts the conversion, whatever the frame said.
	s.lastSample = now
	s.sampled = true

	r, err := Decode(raw)
	if err != nil {
		return Reading{}, err
	}
	s.last = r
	return r, nil
}

// Last returns the most recent successful reading.
func (s *Sampler) Last() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Sampler) transfer() uint16 {
	var raw uint16

	s.lines.SetCS(false)
	s.delay()
	for i := 0; i < frameBits; i++ {
		s.lines.SetSCK(true)
		s.delay()
		raw <<= 1
		if s.lines.SO() {
			raw |= 1
		}
		s.lines.SetSCK(false)
		s.delay()
	}
	s.lines.SetCS(true)
	s.lines.SetSCK(false)

	return raw
}

func (s *Sampler) delay() {
	if s.cfg.BitDelay > 0 {
		s.sleep(s.cfg.BitDelay)
	}
}
