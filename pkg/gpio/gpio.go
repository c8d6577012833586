// Package gpio wires the oven board to GPIO lines: both thermocouple
// converters on a shared clock and data line with one chip select each, and
// the relay shift register.
package gpio

import (
	"io"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/itohio/goreflow/pkg/pwm"
	"github.com/itohio/goreflow/pkg/runmode"
	"github.com/itohio/goreflow/pkg/thermocouple"
)

// Output is a push-pull output line.
type Output interface {
	Set(high bool)
}

// Input is an input line.
type Input interface {
	Get() bool
}

// Chip hands out lines by offset.
type Chip interface {
	Output(offset int, initial bool) (Output, error)
	Input(offset int) (Input, error)
	io.Closer
}

// Pins holds line offsets of the board.
type Pins struct {
	ThermoSO  int
	ThermoSCK int
	CS        [runmode.Zones]int
	Data      int
	Clock     int
	Latch     int
	// RelayBits maps zone to shift register bit.
	RelayBits [runmode.Zones]uint8
}

// Board is the assembled oven I/O.
type Board struct {
	Sensors [runmode.Zones]thermocouple.Lines
	Relays  *pwm.HC595
	chip    Chip
}

// NewBoard requests every line of pins from chip. The chip is closed if any
// request fails.
func NewBoard(chip Chip, pins Pins) (*Board, error) {
	b, err := newBoard(chip, pins)
	if err != nil {
		chip.Close()
		return nil, err
	}
	return b, nil
}

func newBoard(chip Chip, pins Pins) (*Board, error) {
	so, err := chip.Input(pins.ThermoSO)
	if err != nil {
		return nil, errors.Wrapf(err, "thermocouple SO line %d", pins.ThermoSO)
	}
	sck, err := chip.Output(pins.ThermoSCK, false)
	if err != nil {
		return nil, errors.Wrapf(err, "thermocouple SCK line %d", pins.ThermoSCK)
	}
	bus := NewBus(so, sck)

	b := &Board{chip: chip}
	for z := runmode.Top; z < runmode.Zones; z++ {
		cs, err := chip.Output(pins.CS[z], true)
		if err != nil {
			return nil, errors.Wrapf(err, "%s chip select line %d", z, pins.CS[z])
		}
		b.Sensors[z] = bus.Device(cs)
	}

	var shift [3]Output
	for i, offset := range []int{pins.Data, pins.Clock, pins.Latch} {
		if shift[i], err = chip.Output(offset, false); err != nil {
			return nil, errors.Wrapf(err, "shift register line %d", offset)
		}
	}
	b.Relays = pwm.NewHC595(shift[0], shift[1], shift[2], pins.RelayBits[:]...)
	return b, nil
}

// Close switches every relay off and releases the lines.
func (b *Board) Close() error {
	for ch := 0; ch < int(runmode.Zones); ch++ {
		b.Relays.Set(ch, false)
	}
	return b.chip.Close()
}

// Bus is a bit-banged serial bus with one clock and one data-in line shared
// by several devices.
type Bus struct {
	so  Input
	sck Output
}

// NewBus creates a shared bus.
func NewBus(so Input, sck Output) *Bus {
	return &Bus{so: so, sck: sck}
}

// Device returns the lines of the device selected by cs. Devices on one bus
// must not be used concurrently.
func (b *Bus) Device(cs Output) thermocouple.Lines {
	return &device{bus: b, cs: cs}
}

type device struct {
	bus *Bus
	cs  Output
}

func (d *device) SetCS(high bool)  { d.cs.Set(high) }
func (d *device) SetSCK(high bool) { d.bus.sck.Set(high) }
func (d *device) SO() bool         { return d.bus.so.Get() }

// errorCount is shared by real lines so write failures, which Output cannot
// return, still surface.
var errorCount atomic.Uint64

// Errors returns the number of failed line operations since start.
func Errors() uint64 {
	return errorCount.Load()
}
