// Package runmode sequences the two heater zones through manual ramp-to-
// setpoint runs and profile-driven automatic runs.
package runmode

import (
	"github.com/pkg/errors"

	"github.com/itohio/goreflow/pkg/mathx"
	"github.com/itohio/goreflow/pkg/pid"
	"github.com/itohio/goreflow/pkg/profile"
)

// State is the run mode.
type State int

const (
	Idle State = iota
	ManualRunning
	AutoRunning
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ManualRunning:
		return "manual"
	case AutoRunning:
		return "auto"
	}
	return "unknown"
}

// Zone indexes per-zone arrays.
type Zone int

const (
	Top Zone = iota
	Bottom
	Zones
)

func (z Zone) String() string {
	switch z {
	case Top:
		return "top"
	case Bottom:
		return "bottom"
	}
	return "unknown"
}

// ErrIllegalTransition is returned when a run is started while the other
// kind of run is active.
var ErrIllegalTransition = errors.New("runmode: illegal transition")

// Config holds run parameters shared by both zones.
type Config struct {
	// RampWindow is the manual ramp length in seconds.
	RampWindow uint32
	// Resolution maps controller output 1.0 to a PWM duty.
	Resolution uint16
	// SampleTime and Tau are applied to both controllers on every start.
	SampleTime float32
	Tau        float32
	// OutputMin/OutputMax bound both the output and the integrator.
	OutputMin float32
	OutputMax float32
}

// DefaultConfig matches a 1s control cycle driving a 1000-step PWM.
func DefaultConfig() Config {
	return Config{
		RampWindow: profile.DefaultRampWindow,
		Resolution: 1000,
		SampleTime: 1.0,
		Tau:        0.3,
		OutputMin:  0,
		OutputMax:  1,
	}
}

// Output is the result of one control cycle.
type Output struct {
	State     State
	Elapsed   uint32
	Targets   [Zones]float32
	Duties    [Zones]uint16
	Active    [Zones]bool
	Terms     [Zones]pid.Terms
	Started   bool // a run was entered this cycle
	Stopped   bool // the running mode's request was withdrawn
	Completed bool // the auto profile ran out
}

// Request is what the operator asks for at the start of a cycle.
type Request struct {
	Manual    bool
	Auto      bool
	Setpoints [Zones]float32
	Profile   profile.Profile
	Gains     [Zones]pid.Gains
}

// Machine owns both controllers while a run is active. It is not safe for
// concurrent use; the control task calls it under the surface lock.
type Machine struct {
	cfg   Config
	ctrl  [Zones]*pid.Controller
	state State

	elapsed uint32
	fresh   bool
	ramps   [Zones]profile.Ramp
	active  [Zones]bool
	profile profile.Profile
}

// New creates an idle machine around the two zone controllers.
func New(cfg Config, top, bottom *pid.Controller) *Machine {
	if cfg.Resolution == 0 {
		cfg.Resolution = 1000
	}
	if cfg.SampleTime <= 0 {
		cfg.SampleTime = 1.0
	}
	if cfg.OutputMax <= cfg.OutputMin {
		cfg.OutputMin, cfg.OutputMax = 0, 1
	}
	m := &Machine{cfg: cfg}
	m.ctrl[Top] = top
	m.ctrl[Bottom] = bottom
	return m
}

// State returns the current run mode.
func (m *Machine) State() State {
	return m.state
}

// Elapsed returns the seconds since the run started.
func (m *Machine) Elapsed() uint32 {
	return m.elapsed
}

// Controller returns the controller of zone z.
func (m *Machine) Controller(z Zone) *pid.Controller {
	return m.ctrl[z]
}

// Profile returns the profile of the current or last auto run.
func (m *Machine) Profile() profile.Profile {
	return m.profile
}

// StartManual ramps both zones from their current temperatures to the
// setpoints. Starting a manual run while one is active is a no-op.
func (m *Machine) StartManual(temps, setpoints [Zones]float32, gains [Zones]pid.Gains) error {
	switch m.state {
	case ManualRunning:
		return nil
	case AutoRunning:
		return errors.Wrap(ErrIllegalTransition, "auto to manual")
	}
	if err := m.tune(gains); err != nil {
		return err
	}

	for z := Top; z < Zones; z++ {
		m.ctrl[z].Reset(temps[z])
		m.ramps[z] = profile.Ramp{Origin: temps[z], Target: setpoints[z], Window: m.cfg.RampWindow}
		m.active[z] = true
	}
	m.enter(ManualRunning)
	return nil
}

// StartAuto follows p. The bottom zone starts immediately, the top zone
// when the elapsed time reaches p's dual-heat breakpoint.
func (m *Machine) StartAuto(p profile.Profile, temps [Zones]float32, gains [Zones]pid.Gains) error {
	switch m.state {
	case AutoRunning:
		return nil
	case ManualRunning:
		return errors.Wrap(ErrIllegalTransition, "manual to auto")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := m.tune(gains); err != nil {
		return err
	}

	m.profile = p
	m.ctrl[Bottom].Reset(temps[Bottom])
	m.ctrl[Top].Init()
	m.active[Bottom] = true
	m.active[Top] = false
	m.enter(AutoRunning)
	return nil
}

// Stop returns to Idle. The returned output carries zero duties, which the
// caller must hand to the actuators.
func (m *Machine) Stop() Output {
	m.state = Idle
	m.active = [Zones]bool{}
	return Output{State: Idle, Elapsed: m.elapsed}
}

// Cycle runs one control step. The first call after a start evaluates
// elapsed 0; every later call advances elapsed by one second.
func (m *Machine) Cycle(temps, setpoints [Zones]float32) Output {
	if m.state == Idle {
		return Output{State: Idle, Elapsed: m.elapsed}
	}

	if m.fresh {
		m.fresh = false
	} else {
		m.elapsed++
	}

	var targets [Zones]float32
	switch m.state {
	case ManualRunning:
		for z := Top; z < Zones; z++ {
			m.ramps[z].Target = setpoints[z]
			targets[z] = m.ramps[z].At(m.elapsed)
		}
	case AutoRunning:
		if m.elapsed > m.profile.Duration() {
			out := m.Stop()
			out.Completed = true
			return out
		}
		t := m.profile.TargetAt(m.elapsed)
		targets = [Zones]float32{t, t}
		if !m.active[Top] && m.elapsed >= m.profile.DualHeatStart() {
			m.ctrl[Top].Reset(temps[Top])
			m.active[Top] = true
		}
	}

	out := Output{State: m.state, Elapsed: m.elapsed, Active: m.active}
	for z := Top; z < Zones; z++ {
		if !m.active[z] {
			continue
		}
		u := m.ctrl[z].Compute(targets[z], temps[z])
		out.Targets[z] = targets[z]
		out.Duties[z] = m.duty(u)
		out.Terms[z] = m.ctrl[z].Terms()
	}
	return out
}

// Step follows req for one control cycle. A raised flag starts the matching
// run from Idle; withdrawing the flag of the active run stops it; otherwise
// the machine cycles. A refused start returns the error with an idle output
// and the caller should drop the request.
func (m *Machine) Step(temps [Zones]float32, req Request) (Output, error) {
	var (
		err     error
		started bool
	)
	switch {
	case m.state == ManualRunning && !req.Manual,
		m.state == AutoRunning && !req.Auto:
		out := m.Stop()
		out.Stopped = true
		return out, nil
	case m.state == Idle && req.Manual:
		err = m.StartManual(temps, req.Setpoints, req.Gains)
		started = err == nil
	case m.state == Idle && req.Auto:
		err = m.StartAuto(req.Profile, temps, req.Gains)
		started = err == nil
	}

	out := m.Cycle(temps, req.Setpoints)
	out.Started = started
	return out, err
}

func (m *Machine) enter(s State) {
	m.state = s
	m.elapsed = 0
	m.fresh = true
}

func (m *Machine) tune(gains [Zones]pid.Gains) error {
	for z := Top; z < Zones; z++ {
		c := m.ctrl[z]
		if err := c.SetTuning(gains[z], m.cfg.SampleTime, m.cfg.Tau); err != nil {
			return errors.WithMessagef(err, "%s zone", z)
		}
		if err := c.SetOutputLimits(m.cfg.OutputMin, m.cfg.OutputMax); err != nil {
			return err
		}
		if err := c.SetIntegralLimits(m.cfg.OutputMin, m.cfg.OutputMax); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) duty(u float32) uint16 {
	span := m.cfg.OutputMax - m.cfg.OutputMin
	frac := mathx.Clamp((u-m.cfg.OutputMin)/span, 0, 1)
	return uint16(frac * float32(m.cfg.Resolution))
}
