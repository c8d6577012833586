// Package eeprom drives an AT24C16-style paged serial EEPROM over I2C.
//
// The device exposes a flat byte space. Address bits 8-10 travel in the low
// bits of the I2C device address and bits 0-7 as the word address. A write
// transaction may touch at most one page and is followed by an internal write
// cycle during which the device does not acknowledge.
package eeprom

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"tinygo.org/x/drivers"
)

const (
	// Capacity of the AT24C16 in bytes.
	Capacity = 2048
	// PageSize is the atomic write unit.
	PageSize = 16
	// BaseAddress is the 7-bit I2C address of block 0.
	BaseAddress = 0x50
	// DefaultWriteCycle is the hold-off after a page write. The datasheet
	// maximum is 5ms.
	DefaultWriteCycle = 7 * time.Millisecond
)

var (
	// ErrOutOfRange is returned for spans that do not fit the device.
	ErrOutOfRange = errors.New("eeprom: address out of range")
)

// Config describes the device geometry.
type Config struct {
	Address    uint16
	Capacity   int
	PageSize   int
	WriteCycle time.Duration
}

func (c *Config) ensureDefaults() {
	if c.Address == 0 {
		c.Address = BaseAddress
	}
	if c.Capacity <= 0 {
		c.Capacity = Capacity
	}
	if c.PageSize <= 0 {
		c.PageSize = PageSize
	}
	if c.WriteCycle <= 0 {
		c.WriteCycle = DefaultWriteCycle
	}
}

// Option customizes a Store.
type Option func(*Store)

// WithSleep replaces time.Sleep for the write-cycle hold-off.
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *Store) {
		s.sleep = sleep
	}
}

// Store is a paged EEPROM session owner. All transactions of a Store are
// serialized; the bus must not be shared with unrelated traffic while a
// Read or Write is in progress.
type Store struct {
	bus   drivers.I2C
	cfg   Config
	sleep func(time.Duration)

	mu  sync.Mutex
	buf []byte
}

// New creates a Store on bus.
func New(bus drivers.I2C, cfg Config, opts ...Option) *Store {
	cfg.ensureDefaults()
	s := &Store{
		bus:   bus,
		cfg:   cfg,
		sleep: time.Sleep,
		buf:   make([]byte, cfg.PageSize+1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capacity returns the device size in bytes.
func (s *Store) Capacity() int {
	return s.cfg.Capacity
}

// Probe reports whether the device acknowledges a one-byte read.
func (s *Store) Probe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b [1]byte
	return s.bus.Tx(s.cfg.Address, nil, b[:]) == nil
}

// Read returns n bytes starting at addr in a single transaction.
func (s *Store) Read(addr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := s.ReadInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadInto fills buf starting at addr.
func (s *Store) ReadInto(addr int, buf []byte) error {
	if err := s.check(addr, len(buf)); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.bus.Tx(s.device(addr), []byte{byte(addr)}, buf); err != nil {
		return errors.Wrapf(err, "eeprom: read %d bytes at 0x%03x", len(buf), addr)
	}
	return nil
}

// Write stores data at addr. The span is split into a leading partial page,
// whole pages and a trailing partial page; each page transaction is followed
// by the write-cycle hold-off.
func (s *Store) Write(addr int, data []byte) error {
	if err := s.check(addr, len(data)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(data) > 0 {
		n := s.cfg.PageSize - addr%s.cfg.PageSize
		if n > len(data) {
			n = len(data)
		}
		if err := s.writePage(addr, data[:n]); err != nil {
			return err
		}
		addr += n
		data = data[n:]
	}
	return nil
}

func (s *Store) writePage(addr int, chunk []byte) error {
	tx := s.buf[:len(chunk)+1]
	tx[0] = byte(addr)
	copy(tx[1:], chunk)

	if err := s.bus.Tx(s.device(addr), tx, nil); err != nil {
		return errors.Wrapf(err, "eeprom: write %d bytes at 0x%03x", len(chunk), addr)
	}
	s.sleep(s.cfg.WriteCycle)
	return nil
}

func (s *Store) check(addr, n int) error {
	if addr < 0 || n < 0 || addr+n > s.cfg.Capacity {
		return errors.Wrapf(ErrOutOfRange, "span 0x%03x+%d, capacity %d", addr, n, s.cfg.Capacity)
	}
	return nil
}

func (s *Store) device(addr int) uint16 {
	return s.cfg.Address | uint16(addr>>8)&0x07
}
