//go:build !linux || tinygo

package eeprom

import (
	"github.com/pkg/errors"
	"tinygo.org/x/drivers"
)

// LinuxBus is only available on Linux.
type LinuxBus struct{}

var _ drivers.I2C = (*LinuxBus)(nil)

// OpenLinux always fails on this platform.
func OpenLinux(path string) (*LinuxBus, error) {
	return nil, errors.Errorf("i2c-dev %s: not supported on this platform", path)
}

func (b *LinuxBus) Tx(addr uint16, w, r []byte) error {
	return errors.New("i2c-dev: not supported on this platform")
}

// Close is a no-op.
func (b *LinuxBus) Close() error { return nil }
