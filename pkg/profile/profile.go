// Package profile describes reflow temperature profiles: ordered
// (second, temperature) breakpoints interpolated linearly over time.
package profile

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/itohio/goreflow/pkg/mathx"
)

const (
	// MaxBreakpoints per profile.
	MaxBreakpoints = 20
	// BankSize is the number of stored profiles.
	BankSize = 10
	// EncodedSize is the persisted size of one profile.
	EncodedSize = 2 + MaxBreakpoints*4
	// BankEncodedSize is the persisted size of the whole bank.
	BankEncodedSize = BankSize * EncodedSize
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("profile: invalid")

// Breakpoint is one point of the target curve.
type Breakpoint struct {
	Second      uint16 `json:"second" yaml:"second"`
	Temperature int16  `json:"temperature" yaml:"temperature"`
}

// Profile is a target curve of up to MaxBreakpoints points. The bottom zone
// follows it from the start; the top zone joins at DualHeatStartIndex.
type Profile struct {
	Breakpoints        [MaxBreakpoints]Breakpoint `json:"breakpoints"`
	DataPointCount     uint8                      `json:"data_point_count"`
	DualHeatStartIndex uint8                      `json:"dual_heat_start_index"`
}

// Bank is the fixed set of selectable profiles.
type Bank [BankSize]Profile

// Default returns a single-point profile holding 30°C.
func Default() Profile {
	p := Profile{DataPointCount: 1}
	p.Breakpoints[0] = Breakpoint{Second: 0, Temperature: 30}
	return p
}

// DefaultBank returns a bank of default profiles.
func DefaultBank() Bank {
	var b Bank
	for i := range b {
		b[i] = Default()
	}
	return b
}

// New builds a profile from points. It does not validate.
func New(points []Breakpoint, dualHeatStart int) Profile {
	var p Profile
	n := copy(p.Breakpoints[:], points)
	p.DataPointCount = uint8(n)
	p.DualHeatStartIndex = uint8(dualHeatStart)
	return p
}

// Points returns the used breakpoints.
func (p *Profile) Points() []Breakpoint {
	n := int(p.DataPointCount)
	if n > MaxBreakpoints {
		n = MaxBreakpoints
	}
	return p.Breakpoints[:n]
}

// Validate checks the count, the dual-heat index and time ordering.
func (p *Profile) Validate() error {
	if p.DataPointCount < 1 || p.DataPointCount > MaxBreakpoints {
		return errors.Wrapf(ErrInvalid, "%d breakpoints", p.DataPointCount)
	}
	if p.DualHeatStartIndex >= p.DataPointCount {
		return errors.Wrapf(ErrInvalid, "dual heat index %d with %d breakpoints", p.DualHeatStartIndex, p.DataPointCount)
	}
	pts := p.Points()
	for i := 1; i < len(pts); i++ {
		if pts[i].Second < pts[i-1].Second {
			return errors.Wrapf(ErrInvalid, "breakpoint %d at %ds precedes %ds", i, pts[i].Second, pts[i-1].Second)
		}
	}
	return nil
}

// TargetAt returns the interpolated temperature at elapsed seconds. Before
// the first breakpoint it holds the first temperature, after the last one the
// last temperature. Breakpoints sharing a time form a step.
func (p *Profile) TargetAt(elapsed uint32) float32 {
	pts := p.Points()
	if len(pts) == 0 {
		return 0
	}

	i := 0
	for i+1 < len(pts) && uint32(pts[i+1].Second) <= elapsed {
		i++
	}
	if i == len(pts)-1 || elapsed <= uint32(pts[i].Second) {
		return float32(pts[i].Temperature)
	}

	a, b := pts[i], pts[i+1]
	t := float32(elapsed-uint32(a.Second)) / float32(b.Second-a.Second)
	return mathx.Lerp(float32(a.Temperature), float32(b.Temperature), t)
}

// DualHeatStart returns the time at which the second zone joins.
func (p *Profile) DualHeatStart() uint32 {
	pts := p.Points()
	if int(p.DualHeatStartIndex) >= len(pts) {
		return 0
	}
	return uint32(pts[p.DualHeatStartIndex].Second)
}

// Duration returns the time of the last breakpoint.
func (p *Profile) Duration() uint32 {
	pts := p.Points()
	if len(pts) == 0 {
		return 0
	}
	return uint32(pts[len(pts)-1].Second)
}

// MarshalBinary encodes the profile as count, dual-heat index and
// MaxBreakpoints little-endian (uint16 second, int16 temperature) pairs.
func (p Profile) MarshalBinary() ([]byte, error) {
	return p.AppendBinary(make([]byte, 0, EncodedSize))
}

// AppendBinary appends the encoding of p to b.
func (p Profile) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, p.DataPointCount, p.DualHeatStartIndex)
	for _, bp := range p.Breakpoints {
		b = binary.LittleEndian.AppendUint16(b, bp.Second)
		b = binary.LittleEndian.AppendUint16(b, uint16(bp.Temperature))
	}
	return b, nil
}

// UnmarshalBinary decodes an EncodedSize record.
func (p *Profile) UnmarshalBinary(b []byte) error {
	if len(b) < EncodedSize {
		return errors.Errorf("profile: short record, %d bytes", len(b))
	}
	p.DataPointCount = b[0]
	p.DualHeatStartIndex = b[1]
	for i := range p.Breakpoints {
		off := 2 + i*4
		p.Breakpoints[i] = Breakpoint{
			Second:      binary.LittleEndian.Uint16(b[off:]),
			Temperature: int16(binary.LittleEndian.Uint16(b[off+2:])),
		}
	}
	return nil
}

// MarshalBinary encodes all profiles back to back.
func (bk Bank) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, BankEncodedSize)
	for _, p := range bk {
		b, _ = p.AppendBinary(b)
	}
	return b, nil
}

// UnmarshalBinary decodes a BankEncodedSize block.
func (bk *Bank) UnmarshalBinary(b []byte) error {
	if len(b) < BankEncodedSize {
		return errors.Errorf("profile: short bank, %d bytes", len(b))
	}
	for i := range bk {
		if err := bk[i].UnmarshalBinary(b[i*EncodedSize:]); err != nil {
			return err
		}
	}
	return nil
}
