// Package control runs the oven: a sensing task feeding the filters, a
// control task stepping the run-mode machine once per second, and the
// scheduler that owns both together with the PWM ticker.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/itohio/goreflow/pkg/filter"
	"github.com/itohio/goreflow/pkg/runmode"
	"github.com/itohio/goreflow/pkg/thermocouple"
)

const (
	DefaultSensePeriod   = 200 * time.Millisecond
	DefaultControlPeriod = time.Second
)

// Sensors owns both samplers and their filters. The filters are guarded by
// the sensor-state lock, which is always taken before the surface lock.
type Sensors struct {
	samplers [runmode.Zones]*thermocouple.Sampler
	log      *zap.SugaredLogger

	mu      sync.Mutex
	filters [runmode.Zones]*filter.MovingAverage
	open    [runmode.Zones]bool
}

// NewSensors creates the sensor state with a moving average of window
// samples per zone.
func NewSensors(log *zap.SugaredLogger, samplers [runmode.Zones]*thermocouple.Sampler, window int) *Sensors {
	s := &Sensors{samplers: samplers, log: log}
	for z := range s.filters {
		s.filters[z] = filter.New(window)
	}
	return s
}

// Sample reads both converters once and records the valid readings. The bus
// transaction runs outside the lock.
func (s *Sensors) Sample() {
	for z := runmode.Top; z < runmode.Zones; z++ {
		r, err := s.samplers[z].Sample()
		switch {
		case err == nil:
		case errors.Is(err, thermocouple.ErrNotReady):
			continue
		case errors.Is(err, thermocouple.ErrOpenCircuit):
			s.setOpen(z, true)
			continue
		default:
			s.log.Warnw("thermocouple read failed", "zone", z, "err", err)
			continue
		}

		s.mu.Lock()
		s.filters[z].Record(int(r.Code))
		s.mu.Unlock()
		s.setOpen(z, false)
	}
}

func (s *Sensors) setOpen(z runmode.Zone, open bool) {
	s.mu.Lock()
	changed := s.open[z] != open
	s.open[z] = open
	s.mu.Unlock()

	if !changed {
		return
	}
	if open {
		s.log.Warnw("thermocouple open circuit", "zone", z)
	} else {
		s.log.Infow("thermocouple connected", "zone", z)
	}
}

// Temperatures returns the filtered temperature of both zones in °C. A zone
// without readings reads zero.
func (s *Sensors) Temperatures() [runmode.Zones]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t [runmode.Zones]float32
	for z, f := range s.filters {
		t[z] = thermocouple.ToCelsius(f.Average())
	}
	return t
}

// Open reports whether zone z's probe was disconnected on the last read.
func (s *Sensors) Open(z runmode.Zone) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[z]
}

// Run samples every period until ctx is cancelled.
func (s *Sensors) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = DefaultSensePeriod
	}
	return every(ctx, period, s.Sample)
}

func every(ctx context.Context, period time.Duration, fn func()) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}
