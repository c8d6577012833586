//go:build !linux || tinygo

package gpio

import "github.com/pkg/errors"

// CdevChip is not available on this platform.
type CdevChip struct{}

var _ Chip = (*CdevChip)(nil)

// OpenChip returns an error on non-Linux platforms.
func OpenChip(name string) (*CdevChip, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

func (c *CdevChip) Output(int, bool) (Output, error) {
	return nil, errors.New("gpio: not supported")
}

func (c *CdevChip) Input(int) (Input, error) {
	return nil, errors.New("gpio: not supported")
}

func (c *CdevChip) Close() error { return nil }
