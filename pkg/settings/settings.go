// Package settings maps the profile bank and zone gains onto the EEPROM.
//
// Layout (little-endian):
//
//	0x000  profile bank, 10 x 82 bytes
//	0x334  top gains, kp ki kd float32
//	0x340  bottom gains, kp ki kd float32
//	0x34C  "RFLW" + CRC-32 (IEEE) of bytes 0x000-0x34B
package settings

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"

	"github.com/pkg/errors"

	"github.com/itohio/goreflow/pkg/pid"
	"github.com/itohio/goreflow/pkg/profile"
	"github.com/itohio/goreflow/pkg/runmode"
)

const (
	ProfilesOffset    = 0
	TopGainsOffset    = ProfilesOffset + profile.BankEncodedSize
	BottomGainsOffset = TopGainsOffset + gainsSize
	TrailerOffset     = BottomGainsOffset + gainsSize
	// Size is the number of bytes used on the device.
	Size = TrailerOffset + trailerSize

	gainsSize   = 3 * 4
	trailerSize = 8
)

var magic = []byte("RFLW")

var (
	// ErrAbsent means the device did not answer the probe.
	ErrAbsent = errors.New("settings: store absent")
	// ErrBlank means the device holds no saved settings.
	ErrBlank = errors.New("settings: store blank")
	// ErrCorrupt means the checksum does not match.
	ErrCorrupt = errors.New("settings: checksum mismatch")
)

// Store is the byte-level storage the settings live on.
type Store interface {
	Probe() bool
	Read(addr, n int) ([]byte, error)
	Write(addr int, data []byte) error
}

// Persisted is everything that survives a power cycle.
type Persisted struct {
	Profiles profile.Bank
	Gains    [runmode.Zones]pid.Gains
}

// Default returns factory settings: default profiles, zero gains.
func Default() Persisted {
	return Persisted{Profiles: profile.DefaultBank()}
}

// Encode serializes p into Size bytes.
func Encode(p Persisted) []byte {
	b, _ := p.Profiles.MarshalBinary()
	b = appendGains(b, p.Gains[runmode.Top])
	b = appendGains(b, p.Gains[runmode.Bottom])
	b = append(b, magic...)
	return binary.LittleEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

// Decode parses a Size-byte image. Profiles that fail validation are
// replaced by the default profile; the number replaced is returned.
func Decode(b []byte) (Persisted, int, error) {
	var p Persisted
	if len(b) < Size {
		return p, 0, errors.Errorf("settings: short image, %d bytes", len(b))
	}
	if !bytes.Equal(b[TrailerOffset:TrailerOffset+len(magic)], magic) {
		return p, 0, ErrBlank
	}
	sum := binary.LittleEndian.Uint32(b[TrailerOffset+len(magic):])
	if sum != crc32.ChecksumIEEE(b[:TrailerOffset]) {
		return p, 0, ErrCorrupt
	}

	if err := p.Profiles.UnmarshalBinary(b[ProfilesOffset:TopGainsOffset]); err != nil {
		return p, 0, err
	}
	replaced := 0
	for i := range p.Profiles {
		if p.Profiles[i].Validate() != nil {
			p.Profiles[i] = profile.Default()
			replaced++
		}
	}

	p.Gains[runmode.Top] = decodeGains(b[TopGainsOffset:])
	p.Gains[runmode.Bottom] = decodeGains(b[BottomGainsOffset:])
	for z := range p.Gains {
		if !p.Gains[z].Valid() {
			return p, replaced, errors.Wrapf(ErrCorrupt, "%s zone gains %+v", runmode.Zone(z), p.Gains[z])
		}
	}
	return p, replaced, nil
}

// Load probes the store and reads the settings.
func Load(st Store) (Persisted, int, error) {
	if !st.Probe() {
		return Persisted{}, 0, ErrAbsent
	}
	b, err := st.Read(0, Size)
	if err != nil {
		return Persisted{}, 0, errors.WithMessage(err, "settings: load")
	}
	return Decode(b)
}

// Save probes the store and writes the settings.
func Save(st Store, p Persisted) error {
	if !st.Probe() {
		return ErrAbsent
	}
	if err := st.Write(0, Encode(p)); err != nil {
		return errors.WithMessage(err, "settings: save")
	}
	return nil
}

func appendGains(b []byte, g pid.Gains) []byte {
	for _, v := range [3]float32{g.Kp, g.Ki, g.Kd} {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

func decodeGains(b []byte) pid.Gains {
	f := func(i int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return pid.Gains{Kp: f(0), Ki: f(1), Kd: f(2)}
}
