package control

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/goreflow/pkg/runmode"
	"github.com/itohio/goreflow/pkg/surface"
	"github.com/itohio/goreflow/pkg/telemetry"
)

// DutySender accepts duties without blocking. *pwm.Engine implements it;
// zone z drives channel z.
type DutySender interface {
	Send(ch int, duty uint16) error
}

// EventPublisher accepts telemetry without blocking.
type EventPublisher interface {
	Publish(ev telemetry.Event) bool
}

// Loop is the control task.
type Loop struct {
	log     *zap.SugaredLogger
	sensors *Sensors
	surface *surface.Surface
	machine *runmode.Machine
	duties  DutySender
	events  EventPublisher
	now     func() time.Time
}

// NewLoop creates the control task. events may be nil.
func NewLoop(log *zap.SugaredLogger, sensors *Sensors, surf *surface.Surface, machine *runmode.Machine, duties DutySender, events EventPublisher) *Loop {
	return &Loop{
		log:     log,
		sensors: sensors,
		surface: surf,
		machine: machine,
		duties:  duties,
		events:  events,
		now:     time.Now,
	}
}

// Step runs one control cycle and returns the published event.
func (l *Loop) Step() telemetry.Event {
	temps := l.sensors.Temperatures()

	var (
		out     runmode.Output
		refused error
		sendErr error
	)
	l.surface.Exchange(func(set *surface.Settings, tel *surface.Telemetry) {
		out, refused = l.machine.Step(temps, runmode.Request{
			Manual:    set.Flags.Manual,
			Auto:      set.Flags.Auto,
			Setpoints: set.Setpoints,
			Profile:   set.Profiles[set.SelectedProfile],
			Gains:     set.Gains,
		})
		if refused != nil || out.Completed {
			set.Flags = surface.RunFlags{}
		}
		if out.Completed {
			tel.Completed++
		}

		tel.PV = temps
		tel.Elapsed = out.Elapsed
		tel.State = out.State
		tel.Targets = out.Targets
		tel.Duties = out.Duties
		tel.Terms = out.Terms

		for z := runmode.Top; z < runmode.Zones; z++ {
			if err := l.duties.Send(int(z), out.Duties[z]); err != nil && sendErr == nil {
				sendErr = err
			}
		}
	})

	ev := telemetry.Event{
		Time:      l.now(),
		State:     out.State,
		Elapsed:   out.Elapsed,
		PV:        temps,
		Targets:   out.Targets,
		Duties:    out.Duties,
		Active:    out.Active,
		Terms:     out.Terms,
		Started:   out.Started,
		Completed: out.Completed,
		Stopped:   out.Stopped,
	}

	if refused != nil {
		l.log.Warnw("run request refused", "err", refused)
	}
	if sendErr != nil {
		l.log.Errorw("failed to send duty", "err", sendErr)
	}
	if ev.Started {
		l.logStart(out.State)
	}
	if l.events != nil && !l.events.Publish(ev) {
		l.log.Debug("telemetry queue full, event dropped")
	}
	return ev
}

func (l *Loop) logStart(state runmode.State) {
	for z := runmode.Top; z < runmode.Zones; z++ {
		c := l.machine.Controller(z)
		g := c.Gains()
		l.log.Infof("Starting %s %s P %f I %f D %f sampleTime %.1f tau %f",
			state, z, g.Kp, g.Ki, g.Kd, c.SampleTime(), c.Tau())
	}
}

// Run steps every period until ctx is cancelled. The period is nominal; the
// controllers never see the measured interval.
func (l *Loop) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = DefaultControlPeriod
	}
	return every(ctx, period, func() { l.Step() })
}
