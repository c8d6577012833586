// Package telemetry formats controller telemetry and fans it out to sinks.
package telemetry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/itohio/goreflow/pkg/pid"
	"github.com/itohio/goreflow/pkg/runmode"
)

// ErrFormat is wrapped by every ParseLine failure.
var ErrFormat = errors.New("telemetry: malformed line")

// Line is one zone's control step in the diagnostic line format
// elapsed;measurement;output;proportional;integral;derivative;error;setpoint.
type Line struct {
	Elapsed      uint32
	Measurement  float32
	Output       float32
	Proportional float32
	Integral     float32
	Derivative   float32
	Error        float32
	Setpoint     float32
}

// FromTerms builds a line from the controller terms of one step.
func FromTerms(elapsed uint32, t pid.Terms) Line {
	return Line{
		Elapsed:      elapsed,
		Measurement:  t.Measurement,
		Output:       t.Output,
		Proportional: t.Proportional,
		Integral:     t.Integral,
		Derivative:   t.Derivative,
		Error:        t.Error,
		Setpoint:     t.Setpoint,
	}
}

func (l Line) String() string {
	return fmt.Sprintf("%d;%.2f;%.3f;%.3f;%.3f;%.3f;%.2f;%.2f",
		l.Elapsed, l.Measurement, l.Output, l.Proportional, l.Integral, l.Derivative, l.Error, l.Setpoint)
}

// Tagged prefixes the line with the zone name, for streams carrying both zones.
func (l Line) Tagged(z runmode.Zone) string {
	return z.String() + ";" + l.String()
}

// ParseLine reads a line back. A leading zone tag is accepted and returned;
// untagged lines report zone -1.
func ParseLine(s string) (runmode.Zone, Line, error) {
	var l Line
	zone := runmode.Zone(-1)

	fields := strings.Split(strings.TrimSpace(s), ";")
	switch len(fields) {
	case 8:
	case 9:
		switch fields[0] {
		case runmode.Top.String():
			zone = runmode.Top
		case runmode.Bottom.String():
			zone = runmode.Bottom
		default:
			return zone, l, errors.Wrapf(ErrFormat, "unknown zone %q", fields[0])
		}
		fields = fields[1:]
	default:
		return zone, l, errors.Wrapf(ErrFormat, "%d fields", len(fields))
	}

	elapsed, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return zone, l, errors.Wrapf(ErrFormat, "elapsed %q", fields[0])
	}
	l.Elapsed = uint32(elapsed)

	dst := []*float32{&l.Measurement, &l.Output, &l.Proportional, &l.Integral, &l.Derivative, &l.Error, &l.Setpoint}
	for i, p := range dst {
		v, err := strconv.ParseFloat(fields[i+1], 32)
		if err != nil {
			return zone, l, errors.Wrapf(ErrFormat, "field %d %q", i+1, fields[i+1])
		}
		*p = float32(v)
	}
	return zone, l, nil
}
