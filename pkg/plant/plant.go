// Package plant simulates a two-zone reflow oven for development without
// hardware. The oven is driven by relay states and read through simulated
// thermocouple converters.
package plant

import (
	"context"
	"sync"
	"time"

	"github.com/chewxy/math32"

	"github.com/itohio/goreflow/pkg/mathx"
	"github.com/itohio/goreflow/pkg/pwm"
	"github.com/itohio/goreflow/pkg/runmode"
	"github.com/itohio/goreflow/pkg/thermocouple"
)

// Config describes the thermal model.
type Config struct {
	Ambient      float32 // °C
	Gains        [runmode.Zones]float32
	TimeConstant float32 // s
	Coupling     float32 // 0..1
}

// Oven is a first order lag per zone with cross coupling. Relay channel i
// heats zone i.
type Oven struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	last   time.Time
	on     [runmode.Zones]bool
	since  [runmode.Zones]time.Time
	onTime [runmode.Zones]time.Duration
	duty   [runmode.Zones]float32
	temps  [runmode.Zones]float32

	sensors [runmode.Zones]*thermocouple.Sim
}

var _ pwm.Output = (*Oven)(nil)

// New creates an oven at ambient temperature. A nil now uses time.Now.
func New(cfg Config, now func() time.Time) *Oven {
	if now == nil {
		now = time.Now
	}
	if cfg.TimeConstant <= 0 {
		cfg.TimeConstant = 1
	}
	cfg.Coupling = mathx.Clamp(cfg.Coupling, 0, 1)

	o := &Oven{cfg: cfg, now: now, last: now()}
	for z := range o.temps {
		o.temps[z] = cfg.Ambient
		o.sensors[z] = thermocouple.NewSim(cfg.Ambient)
	}
	return o
}

// Sensor returns the simulated converter of zone z.
func (o *Oven) Sensor(z runmode.Zone) *thermocouple.Sim {
	return o.sensors[z]
}

// Set switches the heater relay of channel ch.
func (o *Oven) Set(ch int, on bool) {
	if ch < 0 || ch >= int(runmode.Zones) {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.on[ch] == on {
		return
	}
	now := o.now()
	if o.on[ch] {
		o.onTime[ch] += now.Sub(o.since[ch])
	}
	o.on[ch] = on
	o.since[ch] = now
}

// Relay returns the current relay state of zone z.
func (o *Oven) Relay(z runmode.Zone) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.on[z]
}

// Step advances the model to now using the relay duty seen since the
// previous step, and updates the simulated converters.
func (o *Oven) Step() {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	dt := now.Sub(o.last)
	if dt <= 0 {
		return
	}

	for z := range o.on {
		on := o.onTime[z]
		if o.on[z] {
			on += now.Sub(o.since[z])
			o.since[z] = now
		}
		o.duty[z] = mathx.Clamp(float32(on)/float32(dt), 0, 1)
		o.onTime[z] = 0
	}

	alpha := mathx.Min(float32(dt.Seconds())/o.cfg.TimeConstant, 1)
	for z := range o.temps {
		other := 1 - z
		target := o.cfg.Ambient +
			o.cfg.Gains[z]*o.duty[z] +
			o.cfg.Coupling*o.cfg.Gains[other]*o.duty[other]
		o.temps[z] += alpha * (target - o.temps[z])
		o.sensors[z].SetCelsius(o.temps[z])
	}
	o.last = now
}

// Temperature returns the modelled temperature of zone z.
func (o *Oven) Temperature(z runmode.Zone) float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.temps[z]
}

// Duty returns the relay duty (0..1) applied during the last step.
func (o *Oven) Duty(z runmode.Zone) float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.duty[z]
}

// SetTemperature forces zone z to c, for tests and warm starts.
func (o *Oven) SetTemperature(z runmode.Zone, c float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if math32.IsNaN(c) {
		return
	}
	o.temps[z] = c
	o.sensors[z].SetCelsius(c)
}

// Run steps the model every period until ctx is cancelled.
func (o *Oven) Run(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Step()
		}
	}
}
