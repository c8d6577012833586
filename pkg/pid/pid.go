// Package pid implements a discrete PID controller with integrator clamping
// (anti-windup) and derivative-on-measurement.
package pid

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/itohio/goreflow/pkg/mathx"
)

const (
	DefaultSampleTime = 1.0
	DefaultOutputMin  = 0.0
	DefaultOutputMax  = 1.0
)

var (
	// ErrInvalidTuning is returned for negative gains, negative tau or a
	// non-positive sample time. The previous tuning stays in effect.
	ErrInvalidTuning = errors.New("pid: invalid tuning")
	// ErrInvalidLimits is returned when min >= max.
	ErrInvalidLimits = errors.New("pid: invalid limits")
)

// Gains are the three controller gains.
type Gains struct {
	Kp float32 `json:"kp" yaml:"kp"`
	Ki float32 `json:"ki" yaml:"ki"`
	Kd float32 `json:"kd" yaml:"kd"`
}

// Valid reports whether all gains are non-negative.
func (g Gains) Valid() bool {
	return g.Kp >= 0 && g.Ki >= 0 && g.Kd >= 0
}

// Terms is a snapshot of the last compute step, used for telemetry.
type Terms struct {
	Setpoint     float32
	Measurement  float32
	Error        float32
	Proportional float32
	Integral     float32
	Derivative   float32
	Output       float32
}

// Controller holds tuning, limits and state of one loop. It is not safe for
// concurrent use.
type Controller struct {
	gains      Gains
	sampleTime float32
	tau        float32

	outMin, outMax float32
	intMin, intMax float32

	integrator      float32
	differentiator  float32
	proportional    float32
	prevError       float32
	prevMeasurement float32
	setpoint        float32
	out             float32
}

// New creates a controller with zero gains, a 1s sample time and both
// clamps at [0, 1].
func New() *Controller {
	return &Controller{
		sampleTime: DefaultSampleTime,
		outMin:     DefaultOutputMin,
		outMax:     DefaultOutputMax,
		intMin:     DefaultOutputMin,
		intMax:     DefaultOutputMax,
	}
}

// Init zeroes the loop state. Tuning and limits are kept.
func (c *Controller) Init() {
	c.integrator = 0
	c.differentiator = 0
	c.proportional = 0
	c.prevError = 0
	c.prevMeasurement = 0
	c.setpoint = 0
	c.out = 0
}

// Prime seeds the previous measurement so the first Compute after Init does
// not see a derivative step.
func (c *Controller) Prime(measurement float32) {
	c.prevMeasurement = measurement
}

// Reset is Init followed by Prime.
func (c *Controller) Reset(measurement float32) {
	c.Init()
	c.Prime(measurement)
}

// SetTuning sets the gains, the nominal sample time in seconds and the
// derivative filter time constant. tau == 0 disables derivative filtering.
func (c *Controller) SetTuning(g Gains, sampleTime, tau float32) error {
	if !g.Valid() || sampleTime <= 0 || tau < 0 {
		return errors.Wrapf(ErrInvalidTuning, "kp=%g ki=%g kd=%g T=%g tau=%g", g.Kp, g.Ki, g.Kd, sampleTime, tau)
	}
	c.gains = g
	c.sampleTime = sampleTime
	c.tau = tau
	return nil
}

// SetOutputLimits sets the output clamp and re-clamps the current output.
func (c *Controller) SetOutputLimits(min, max float32) error {
	if min >= max {
		return errors.Wrapf(ErrInvalidLimits, "output [%g, %g]", min, max)
	}
	c.outMin, c.outMax = min, max
	c.out = mathx.Clamp(c.out, min, max)
	return nil
}

// SetIntegralLimits sets the integrator clamp and re-clamps the integrator.
func (c *Controller) SetIntegralLimits(min, max float32) error {
	if min >= max {
		return errors.Wrapf(ErrInvalidLimits, "integral [%g, %g]", min, max)
	}
	c.intMin, c.intMax = min, max
	c.integrator = mathx.Clamp(c.integrator, min, max)
	return nil
}

// Compute runs one step and returns the clamped output. NaN inputs leave the
// state untouched and return the previous output.
func (c *Controller) Compute(setpoint, measurement float32) float32 {
	if math32.IsNaN(setpoint) || math32.IsNaN(measurement) {
		return c.out
	}

	err := setpoint - measurement
	T := c.sampleTime

	c.proportional = c.gains.Kp * err

	c.integrator += 0.5 * c.gains.Ki * T * (err + c.prevError)
	c.integrator = mathx.Clamp(c.integrator, c.intMin, c.intMax)

	dm := measurement - c.prevMeasurement
	if c.tau > 0 {
		c.differentiator = -(2*c.gains.Kd*dm + (2*c.tau-T)*c.differentiator) / (2*c.tau + T)
	} else {
		c.differentiator = -(c.gains.Kd / T) * dm
	}

	c.out = mathx.Clamp(c.proportional+c.integrator+c.differentiator, c.outMin, c.outMax)

	c.setpoint = setpoint
	c.prevError = err
	c.prevMeasurement = measurement

	return c.out
}

// Output returns the last computed output.
func (c *Controller) Output() float32 {
	return c.out
}

// Gains returns the active gains.
func (c *Controller) Gains() Gains {
	return c.gains
}

// SampleTime returns the nominal sample time in seconds.
func (c *Controller) SampleTime() float32 {
	return c.sampleTime
}

// Tau returns the derivative filter time constant.
func (c *Controller) Tau() float32 {
	return c.tau
}

// Integrator returns the accumulated integral term.
func (c *Controller) Integrator() float32 {
	return c.integrator
}

// Terms returns the terms of the last compute step.
func (c *Controller) Terms() Terms {
	return Terms{
		Setpoint:     c.setpoint,
		Measurement:  c.prevMeasurement,
		Error:        c.prevError,
		Proportional: c.proportional,
		Integral:     c.integrator,
		Derivative:   c.differentiator,
		Output:       c.out,
	}
}
