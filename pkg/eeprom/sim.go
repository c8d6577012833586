package eeprom

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"tinygo.org/x/drivers"
)

var (
	// ErrNoDevice is the simulated NACK for an address nobody answers.
	ErrNoDevice = errors.New("eeprom: no device at address")
	// ErrBusy is the simulated NACK during the internal write cycle.
	ErrBusy = errors.New("eeprom: write cycle in progress")
)

// PageWrite records one write transaction seen by the simulator.
type PageWrite struct {
	Addr int
	Len  int
}

// Sim emulates an AT24C16 on a drivers.I2C bus: eight 256-byte blocks at
// consecutive device addresses, in-page address wraparound on writes,
// sequential reads across the whole array and NACK while a write cycle runs.
type Sim struct {
	mu         sync.Mutex
	mem        []byte
	pageSize   int
	writeCycle time.Duration
	now        func() time.Time
	busyUntil  time.Time
	ptr        int
	absent     bool
	path       string

	writes []PageWrite
}

var _ drivers.I2C = (*Sim)(nil)

// NewSim creates a blank (0xFF) simulated device.
func NewSim(now func() time.Time) *Sim {
	if now == nil {
		now = time.Now
	}
	mem := make([]byte, Capacity)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &Sim{
		mem:        mem,
		pageSize:   PageSize,
		writeCycle: 5 * time.Millisecond,
		now:        now,
	}
}

// OpenSimFile creates a simulated device backed by an image file. The image
// is loaded if it exists and rewritten after every page write.
func OpenSimFile(path string, now func() time.Time) (*Sim, error) {
	s := NewSim(now)
	s.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrap(err, "eeprom: read image")
	}
	copy(s.mem, data)
	return s, nil
}

// SetAbsent makes the device stop acknowledging.
func (s *Sim) SetAbsent(absent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.absent = absent
}

// Writes returns the page transactions seen so far.
func (s *Sim) Writes() []PageWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PageWrite(nil), s.writes...)
}

// Bytes returns a copy of the memory array.
func (s *Sim) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.mem...)
}

func (s *Sim) Tx(addr uint16, w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.absent || addr&^0x07 != BaseAddress {
		return ErrNoDevice
	}
	if s.now().Before(s.busyUntil) {
		return ErrBusy
	}

	block := int(addr & 0x07)
	if len(w) > 0 {
		s.ptr = block<<8 | int(w[0])
		if data := w[1:]; len(data) > 0 {
			if err := s.pageWrite(data); err != nil {
				return err
			}
		}
	}

	for i := range r {
		r[i] = s.mem[s.ptr]
		s.ptr = (s.ptr + 1) % len(s.mem)
	}
	return nil
}

func (s *Sim) pageWrite(data []byte) error {
	start := s.ptr
	page := start - start%s.pageSize
	off := start - page
	for _, b := range data {
		s.mem[page+off] = b
		off = (off + 1) % s.pageSize
	}
	s.ptr = page + off
	s.busyUntil = s.now().Add(s.writeCycle)
	s.writes = append(s.writes, PageWrite{Addr: start, Len: len(data)})

	if s.path != "" {
		if err := os.WriteFile(s.path, s.mem, 0644); err != nil {
			return errors.Wrap(err, "eeprom: write image")
		}
	}
	return nil
}
