package control

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/itohio/goreflow/pkg/pid"
	"github.com/itohio/goreflow/pkg/plant"
	"github.com/itohio/goreflow/pkg/profile"
	"github.com/itohio/goreflow/pkg/pwm"
	"github.com/itohio/goreflow/pkg/runmode"
	"github.com/itohio/goreflow/pkg/surface"
	"github.com/itohio/goreflow/pkg/telemetry"
	"github.com/itohio/goreflow/pkg/thermocouple"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1000, 0)} }

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type dutyRecorder struct {
	duties [runmode.Zones]uint16
	sends  int
}

func (d *dutyRecorder) Send(ch int, duty uint16) error {
	if ch < 0 || ch >= int(runmode.Zones) {
		return pwm.ErrNoChannel
	}
	d.duties[ch] = duty
	d.sends++
	return nil
}

type eventRecorder struct {
	events []telemetry.Event
}

func (e *eventRecorder) Publish(ev telemetry.Event) bool {
	e.events = append(e.events, ev)
	return true
}

type rig struct {
	clk     *fakeClock
	sims    [runmode.Zones]*thermocouple.Sim
	sensors *Sensors
	surface *surface.Surface
	machine *runmode.Machine
	duties  *dutyRecorder
	events  *eventRecorder
	loop    *Loop
	logs    *observer.ObservedLogs
}

func newRig(t *testing.T, temps [runmode.Zones]float32, settings surface.Settings) *rig {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core).Sugar()

	r := &rig{
		clk:     newClock(),
		surface: surface.New(settings),
		machine: runmode.New(runmode.DefaultConfig(), pid.New(), pid.New()),
		duties:  &dutyRecorder{},
		events:  &eventRecorder{},
		logs:    logs,
	}
	var samplers [runmode.Zones]*thermocouple.Sampler
	for z := range r.sims {
		r.sims[z] = thermocouple.NewSim(temps[z])
		samplers[z] = thermocouple.New(r.sims[z], thermocouple.Config{},
			thermocouple.WithClock(r.clk.now, func(time.Duration) {}))
	}
	r.sensors = NewSensors(log, samplers, 4)
	r.loop = NewLoop(log, r.sensors, r.surface, r.machine, r.duties, r.events)
	r.loop.now = r.clk.now

	r.sense()
	return r
}

func (r *rig) sense() {
	r.clk.advance(250 * time.Millisecond)
	r.sensors.Sample()
}

func testSettings() surface.Settings {
	s := surface.DefaultSettings()
	s.Gains = [runmode.Zones]pid.Gains{{Kp: 0.01}, {Kp: 0.01}}
	return s
}

func TestSensors_Filtering(t *testing.T) {
	r := newRig(t, [runmode.Zones]float32{100, 50}, testSettings())
	assert.Equal(t, [runmode.Zones]float32{100, 50}, r.sensors.Temperatures())

	r.sims[runmode.Top].SetCelsius(200)
	r.sensors.Sample() // too early, not ready
	assert.Equal(t, float32(100), r.sensors.Temperatures()[runmode.Top])

	r.sense()
	assert.Equal(t, float32(150), r.sensors.Temperatures()[runmode.Top])
}

func TestSensors_OpenCircuitSkipped(t *testing.T) {
	r := newRig(t, [runmode.Zones]float32{100, 50}, testSettings())

	r.sims[runmode.Bottom].SetOpen(true)
	r.sense()
	assert.True(t, r.sensors.Open(runmode.Bottom))
	assert.False(t, r.sensors.Open(runmode.Top))
	assert.Equal(t, float32(50), r.sensors.Temperatures()[runmode.Bottom])
	assert.Equal(t, 1, r.logs.FilterMessage("thermocouple open circuit").Len())

	r.sense()
	assert.Equal(t, 1, r.logs.FilterMessage("thermocouple open circuit").Len())

	r.sims[runmode.Bottom].SetOpen(false)
	r.sense()
	assert.False(t, r.sensors.Open(runmode.Bottom))
	assert.Equal(t, 1, r.logs.FilterMessage("thermocouple connected").Len())
}

func TestSensors_NoReadings(t *testing.T) {
	s := NewSensors(zap.NewNop().Sugar(), [runmode.Zones]*thermocouple.Sampler{}, 4)
	assert.Equal(t, [runmode.Zones]float32{}, s.Temperatures())
}

func TestLoop_Idle(t *testing.T) {
	r := newRig(t, [runmode.Zones]float32{25, 25}, testSettings())

	ev := r.loop.Step()
	assert.Equal(t, runmode.Idle, ev.State)
	assert.False(t, ev.Started)
	assert.Equal(t, [runmode.Zones]uint16{}, r.duties.duties)
	assert.Equal(t, 2, r.duties.sends)
	assert.Equal(t, [runmode.Zones]float32{25, 25}, r.surface.Telemetry().PV)
	require.Len(t, r.events.events, 1)
}

func TestLoop_ManualRun(t *testing.T) {
	r := newRig(t, [runmode.Zones]float32{25, 25}, testSettings())
	require.NoError(t, r.surface.RequestManual())

	ev := r.loop.Step()
	assert.True(t, ev.Started)
	assert.Equal(t, runmode.ManualRunning, ev.State)
	assert.Equal(t, uint32(0), ev.Elapsed)
	assert.Equal(t, [runmode.Zones]bool{true, true}, ev.Active)
	assert.Equal(t, [runmode.Zones]uint16{0, 0}, ev.Duties, "bumpless start")
	assert.Equal(t, runmode.ManualRunning, r.surface.Telemetry().State)

	starts := r.logs.FilterMessageSnippet("Starting manual").All()
	require.Len(t, starts, 2)
	assert.True(t, strings.HasPrefix(starts[0].Message, "Starting manual top P 0.010000 I 0.000000 D 0.000000 sampleTime 1.0 tau 0.300000"))

	r.sense()
	ev = r.loop.Step()
	assert.Equal(t, uint32(1), ev.Elapsed)
	assert.InDelta(t, 25+125.0/90, ev.Targets[runmode.Top], 1e-4)
	assert.Equal(t, uint16(13), ev.Duties[runmode.Top])
	assert.InDelta(t, 5, ev.Duties[runmode.Bottom], 1)
	assert.Equal(t, ev.Duties, r.duties.duties)
	assert.Equal(t, ev.Duties, r.surface.Telemetry().Duties)
	assert.Equal(t, uint32(1), r.surface.Elapsed())

	r.surface.RequestStop()
	ev = r.loop.Step()
	assert.True(t, ev.Stopped)
	assert.Equal(t, runmode.Idle, ev.State)
	assert.Equal(t, [runmode.Zones]uint16{}, r.duties.duties)
	assert.False(t, r.surface.Running())

	ev = r.loop.Step()
	assert.False(t, ev.Started)
	assert.False(t, ev.Stopped)
}

func TestLoop_SetpointEditReaimsRamp(t *testing.T) {
	r := newRig(t, [runmode.Zones]float32{25, 25}, testSettings())
	require.NoError(t, r.surface.RequestManual())
	r.loop.Step()

	require.NoError(t, r.surface.SetSetpoint(runmode.Top, 205))
	ev := r.loop.Step()
	assert.InDelta(t, 27, ev.Targets[runmode.Top], 1e-4)
}

func TestLoop_AutoRunCompletes(t *testing.T) {
	settings := testSettings()
	settings.Profiles[3] = profile.New([]profile.Breakpoint{{Second: 0, Temperature: 30}, {Second: 2, Temperature: 60}}, 1)
	settings.SelectedProfile = 3
	r := newRig(t, [runmode.Zones]float32{25, 25}, settings)
	require.NoError(t, r.surface.RequestAuto())

	tests := []struct {
		name      string
		elapsed   uint32
		state     runmode.State
		active    [runmode.Zones]bool
		target    float32
		completed bool
	}{
		{"start", 0, runmode.AutoRunning, [runmode.Zones]bool{false, true}, 30, false},
		{"bottom only", 1, runmode.AutoRunning, [runmode.Zones]bool{false, true}, 45, false},
		{"top joins", 2, runmode.AutoRunning, [runmode.Zones]bool{true, true}, 60, false},
		{"completed", 3, runmode.Idle, [runmode.Zones]bool{}, 0, true},
	}

	for _, tt := range tests {
		r.sense()
		ev := r.loop.Step()
		assert.Equal(t, tt.elapsed, ev.Elapsed, tt.name)
		assert.Equal(t, tt.state, ev.State, tt.name)
		assert.Equal(t, tt.active, ev.Active, tt.name)
		assert.InDelta(t, tt.target, ev.Targets[runmode.Bottom], 1e-4, tt.name)
		assert.Equal(t, tt.completed, ev.Completed, tt.name)
	}

	assert.False(t, r.surface.Flags().Auto)
	assert.Equal(t, uint32(1), r.surface.Telemetry().Completed)
	assert.Equal(t, [runmode.Zones]uint16{}, r.duties.duties)

	ev := r.loop.Step()
	assert.Equal(t, runmode.Idle, ev.State)
	assert.False(t, ev.Started)
}

func TestLoop_RefusedStartClearsFlag(t *testing.T) {
	settings := testSettings()
	settings.Gains[runmode.Bottom] = pid.Gains{Kp: -1}
	r := newRig(t, [runmode.Zones]float32{25, 25}, settings)
	require.NoError(t, r.surface.RequestManual())

	ev := r.loop.Step()
	assert.False(t, ev.Started)
	assert.Equal(t, runmode.Idle, ev.State)
	assert.False(t, r.surface.Flags().Manual)

	refusals := r.logs.FilterMessage("run request refused").All()
	require.Len(t, refusals, 1)
	err, ok := refusals[0].ContextMap()["err"]
	require.True(t, ok)
	assert.Contains(t, err, "bottom")
}

func TestLoop_ClosedLoopWithPlant(t *testing.T) {
	clk := newClock()
	oven := plant.New(plant.Config{
		Ambient:      25,
		Gains:        [runmode.Zones]float32{260, 220},
		TimeConstant: 60,
		Coupling:     0.15,
	}, clk.now)
	engine := pwm.NewEngine(oven, 1000, int(runmode.Zones))

	var samplers [runmode.Zones]*thermocouple.Sampler
	for z := runmode.Top; z < runmode.Zones; z++ {
		samplers[z] = thermocouple.New(oven.Sensor(z), thermocouple.Config{},
			thermocouple.WithClock(clk.now, func(time.Duration) {}))
	}
	log := zap.NewNop().Sugar()
	sensors := NewSensors(log, samplers, 4)

	settings := surface.DefaultSettings()
	settings.Gains = [runmode.Zones]pid.Gains{
		{Kp: 0.03, Ki: 0.0005},
		{Kp: 0.03, Ki: 0.0005},
	}
	surf := surface.New(settings)
	machine := runmode.New(runmode.DefaultConfig(), pid.New(), pid.New())
	loop := NewLoop(log, sensors, surf, machine, engine, nil)
	loop.now = clk.now

	require.NoError(t, surf.RequestManual())
	for second := 0; second < 400; second++ {
		sensors.Sample()
		loop.Step()
		for i := 0; i < 1000; i++ {
			engine.Tick()
			clk.advance(time.Millisecond)
		}
		oven.Step()
	}

	top, bottom := oven.Temperature(runmode.Top), oven.Temperature(runmode.Bottom)
	assert.Greater(t, top, float32(110))
	assert.Less(t, top, float32(170))
	assert.Greater(t, bottom, float32(50))
	assert.Less(t, bottom, float32(100))

	surf.RequestStop()
	loop.Step()
	for i := 0; i < 1000; i++ {
		engine.Tick()
	}
	assert.False(t, oven.Relay(runmode.Top))
	assert.False(t, oven.Relay(runmode.Bottom))
}

func TestScheduler(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	s := NewScheduler(zap.NewNop().Sugar())
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		record("waiter")
		return nil
	})
	s.Go("failing", func(ctx context.Context) error {
		return errors.New("bus fault")
	})
	s.OnExit(func() { record("first") })
	s.OnExit(func() { record("second") })

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing task")
	assert.Equal(t, []string{"waiter", "second", "first"}, order)
}

func TestScheduler_Cancel(t *testing.T) {
	r := newRig(t, [runmode.Zones]float32{25, 25}, testSettings())

	s := NewScheduler(zap.NewNop().Sugar())
	s.Go("sensing", func(ctx context.Context) error { return r.sensors.Run(ctx, time.Millisecond) })
	s.Go("control", func(ctx context.Context) error { return r.loop.Run(ctx, time.Millisecond) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Greater(t, len(r.events.events), 0)
}
