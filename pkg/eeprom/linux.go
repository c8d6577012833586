//go:build linux && !tinygo

package eeprom

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"tinygo.org/x/drivers"
)

const i2cSlave = 0x0703

// LinuxBus is a drivers.I2C on top of a Linux i2c-dev node such as /dev/i2c-1.
// A combined transaction is issued as a write followed by a read, which the
// AT24C16 accepts as a dummy write plus current-address read.
type LinuxBus struct {
	mu   sync.Mutex
	fd   int
	addr uint16
}

var _ drivers.I2C = (*LinuxBus)(nil)

// OpenLinux opens an i2c-dev node.
func OpenLinux(path string) (*LinuxBus, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &LinuxBus{fd: fd, addr: 0xFFFF}, nil
}

func (b *LinuxBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if addr != b.addr {
		if err := unix.IoctlSetInt(b.fd, i2cSlave, int(addr)); err != nil {
			return errors.Wrapf(err, "select i2c address 0x%02x", addr)
		}
		b.addr = addr
	}
	if len(w) > 0 {
		if _, err := unix.Write(b.fd, w); err != nil {
			return errors.Wrap(err, "i2c write")
		}
	}
	if len(r) > 0 {
		if _, err := unix.Read(b.fd, r); err != nil {
			return errors.Wrap(err, "i2c read")
		}
	}
	return nil
}

// Close releases the device node.
func (b *LinuxBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return unix.Close(b.fd)
}
