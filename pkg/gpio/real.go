//go:build linux && !tinygo

package gpio

import (
	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
)

// CdevChip hands out lines of a Linux GPIO character device.
type CdevChip struct {
	chip  *gpiocdev.Chip
	lines []*gpiocdev.Line
}

var _ Chip = (*CdevChip)(nil)

// OpenChip opens a chip by name, e.g. "gpiochip0".
func OpenChip(name string) (*CdevChip, error) {
	chip, err := gpiocdev.NewChip(name)
	if err != nil {
		return nil, errors.Wrapf(err, "open gpio chip %s", name)
	}
	return &CdevChip{chip: chip}, nil
}

func (c *CdevChip) Output(offset int, initial bool) (Output, error) {
	l, err := c.chip.RequestLine(offset, gpiocdev.AsOutput(value(initial)))
	if err != nil {
		return nil, errors.Wrapf(err, "request output %d", offset)
	}
	c.lines = append(c.lines, l)
	return cdevLine{l}, nil
}

func (c *CdevChip) Input(offset int) (Input, error) {
	l, err := c.chip.RequestLine(offset, gpiocdev.AsInput)
	if err != nil {
		return nil, errors.Wrapf(err, "request input %d", offset)
	}
	c.lines = append(c.lines, l)
	return cdevLine{l}, nil
}

// Close returns the lines to inputs and releases the chip.
func (c *CdevChip) Close() error {
	var first error
	for _, l := range c.lines {
		if err := l.Reconfigure(gpiocdev.AsInput); err != nil && first == nil {
			first = errors.Wrapf(err, "reconfigure line %d", l.Offset())
		}
		if err := l.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close line %d", l.Offset())
		}
	}
	c.lines = nil
	if err := c.chip.Close(); err != nil && first == nil {
		first = errors.Wrap(err, "close chip")
	}
	return first
}

type cdevLine struct {
	l *gpiocdev.Line
}

func (c cdevLine) Set(high bool) {
	if err := c.l.SetValue(value(high)); err != nil {
		errorCount.Add(1)
	}
}

func (c cdevLine) Get() bool {
	v, err := c.l.Value()
	if err != nil {
		errorCount.Add(1)
		return false
	}
	return v != 0
}

func value(high bool) int {
	if high {
		return 1
	}
	return 0
}
