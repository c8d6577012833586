package runmode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goreflow/pkg/pid"
	"github.com/itohio/goreflow/pkg/profile"
)

var gains = [Zones]pid.Gains{
	Top:    {Kp: 0.02, Ki: 0.001, Kd: 0.05},
	Bottom: {Kp: 0.03, Ki: 0.002, Kd: 0.05},
}

func newMachine() *Machine {
	return New(DefaultConfig(), pid.New(), pid.New())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "manual", ManualRunning.String())
	assert.Equal(t, "auto", AutoRunning.String())
	assert.Equal(t, "bottom", Bottom.String())
}

func TestIdleCycle(t *testing.T) {
	m := newMachine()
	out := m.Cycle([Zones]float32{100, 100}, [Zones]float32{200, 200})
	assert.Equal(t, Idle, out.State)
	assert.Equal(t, [Zones]uint16{}, out.Duties)
	assert.Equal(t, uint32(0), m.Elapsed())
}

func TestManual_RampIdempotence(t *testing.T) {
	m := newMachine()
	temps := [Zones]float32{24.5, 26.25}
	setpoints := [Zones]float32{150, 70}
	require.NoError(t, m.StartManual(temps, setpoints, gains))
	assert.Equal(t, ManualRunning, m.State())

	out := m.Cycle(temps, setpoints)
	assert.Equal(t, uint32(0), out.Elapsed)
	assert.Equal(t, temps, out.Targets, "starts at the captured origin")
	assert.Equal(t, [Zones]uint16{0, 0}, out.Duties, "bumpless start")
	assert.Equal(t, [Zones]bool{true, true}, out.Active)

	for i := 1; i <= int(DefaultConfig().RampWindow); i++ {
		out = m.Cycle(temps, setpoints)
		require.Equal(t, uint32(i), out.Elapsed)
		if i < int(DefaultConfig().RampWindow) {
			require.Less(t, out.Targets[Top], setpoints[Top])
		}
	}
	assert.Equal(t, setpoints, out.Targets, "ends exactly at the setpoint")

	out = m.Cycle(temps, setpoints)
	assert.Equal(t, setpoints, out.Targets)
	assert.Greater(t, out.Duties[Top], uint16(0))
}

func TestManual_MidRamp(t *testing.T) {
	m := newMachine()
	temps := [Zones]float32{30, 30}
	setpoints := [Zones]float32{120, 75}
	require.NoError(t, m.StartManual(temps, setpoints, gains))

	var out Output
	for i := 0; i <= 45; i++ {
		out = m.Cycle(temps, setpoints)
	}
	assert.InDelta(t, 75, out.Targets[Top], 1e-4)
	assert.InDelta(t, 52.5, out.Targets[Bottom], 1e-4)

	// editing the setpoint re-aims the ramp end
	setpoints[Top] = 210
	out = m.Cycle(temps, setpoints)
	assert.InDelta(t, 30+180*46.0/90.0, out.Targets[Top], 1e-3)
}

func TestStop_ForcesZeroDuty(t *testing.T) {
	m := newMachine()
	temps := [Zones]float32{25, 25}
	setpoints := [Zones]float32{250, 250}
	require.NoError(t, m.StartManual(temps, setpoints, gains))
	for i := 0; i < 120; i++ {
		m.Cycle(temps, setpoints)
	}

	out := m.Stop()
	assert.Equal(t, Idle, out.State)
	assert.Equal(t, [Zones]uint16{}, out.Duties)
	assert.Equal(t, Idle, m.State())
}

func TestTransitions(t *testing.T) {
	temps := [Zones]float32{25, 25}
	p := profile.New([]profile.Breakpoint{{Second: 0, Temperature: 25}, {Second: 60, Temperature: 150}}, 0)

	t.Run("manual to auto refused", func(t *testing.T) {
		m := newMachine()
		require.NoError(t, m.StartManual(temps, temps, gains))
		m.Cycle(temps, temps)

		err := m.StartAuto(p, temps, gains)
		assert.ErrorIs(t, err, ErrIllegalTransition)
		assert.Equal(t, ManualRunning, m.State())
		assert.Equal(t, uint32(0), m.Elapsed())
	})

	t.Run("auto to manual refused", func(t *testing.T) {
		m := newMachine()
		require.NoError(t, m.StartAuto(p, temps, gains))
		err := m.StartManual(temps, temps, gains)
		assert.ErrorIs(t, err, ErrIllegalTransition)
		assert.Equal(t, AutoRunning, m.State())
	})

	t.Run("through idle", func(t *testing.T) {
		m := newMachine()
		require.NoError(t, m.StartManual(temps, temps, gains))
		m.Stop()
		require.NoError(t, m.StartAuto(p, temps, gains))
		assert.Equal(t, AutoRunning, m.State())
	})

	t.Run("restart is a no-op", func(t *testing.T) {
		m := newMachine()
		require.NoError(t, m.StartManual(temps, temps, gains))
		m.Cycle(temps, temps)
		m.Cycle(temps, temps)
		require.NoError(t, m.StartManual(temps, temps, gains))
		assert.Equal(t, uint32(1), m.Elapsed())
	})

	t.Run("invalid profile", func(t *testing.T) {
		m := newMachine()
		err := m.StartAuto(profile.Profile{}, temps, gains)
		assert.ErrorIs(t, err, profile.ErrInvalid)
		assert.Equal(t, Idle, m.State())
	})

	t.Run("invalid gains", func(t *testing.T) {
		m := newMachine()
		bad := gains
		bad[Bottom].Ki = -1
		err := m.StartManual(temps, temps, bad)
		assert.ErrorIs(t, err, pid.ErrInvalidTuning)
		assert.Equal(t, Idle, m.State())
	})
}

func TestManual_ReentryIsBumpless(t *testing.T) {
	m := newMachine()
	temps := [Zones]float32{25, 25}
	hot := [Zones]float32{250, 250}
	require.NoError(t, m.StartManual(temps, hot, gains))
	for i := 0; i < 200; i++ {
		m.Cycle(temps, hot)
	}
	m.Stop()

	now := [Zones]float32{180, 140}
	require.NoError(t, m.StartManual(now, hot, gains))
	out := m.Cycle(now, hot)
	assert.Equal(t, [Zones]uint16{0, 0}, out.Duties)
	assert.InDelta(t, 0, m.Controller(Top).Integrator(), 1e-6)
}

func TestAuto_DualHeatAndCompletion(t *testing.T) {
	p := profile.New([]profile.Breakpoint{
		{Second: 0, Temperature: 25},
		{Second: 10, Temperature: 100},
		{Second: 20, Temperature: 100},
	}, 1)

	m := newMachine()
	temps := [Zones]float32{25, 25}
	require.NoError(t, m.StartAuto(p, temps, gains))

	for i := uint32(0); i <= 20; i++ {
		out := m.Cycle(temps, [Zones]float32{})
		require.Equal(t, AutoRunning, out.State)
		require.Equal(t, i, out.Elapsed)
		require.True(t, out.Active[Bottom])
		assert.InDelta(t, p.TargetAt(i), out.Targets[Bottom], 1e-5)

		if i < 10 {
			require.False(t, out.Active[Top], "top idle at %ds", i)
			require.Zero(t, out.Duties[Top])
		} else {
			require.True(t, out.Active[Top], "top heating at %ds", i)
			assert.Equal(t, out.Targets[Bottom], out.Targets[Top])
		}
		if i > 0 {
			require.Greater(t, out.Duties[Bottom], uint16(0))
		}
	}

	out := m.Cycle(temps, [Zones]float32{})
	assert.True(t, out.Completed)
	assert.Equal(t, Idle, out.State)
	assert.Equal(t, [Zones]uint16{}, out.Duties)
	assert.Equal(t, Idle, m.State())
}

func TestAuto_TopJoinsBumpless(t *testing.T) {
	p := profile.New([]profile.Breakpoint{
		{Second: 0, Temperature: 50},
		{Second: 2, Temperature: 50},
		{Second: 100, Temperature: 150},
	}, 1)

	m := newMachine()
	temps := [Zones]float32{50, 50}
	require.NoError(t, m.StartAuto(p, temps, gains))

	m.Cycle(temps, [Zones]float32{}) // 0
	m.Cycle(temps, [Zones]float32{}) // 1
	out := m.Cycle(temps, [Zones]float32{})
	require.Equal(t, uint32(2), out.Elapsed)
	assert.True(t, out.Active[Top])
	assert.Zero(t, out.Duties[Top], "joins at the current temperature without a kick")
	assert.Equal(t, float32(0), out.Terms[Top].Derivative)
}

func TestDuty(t *testing.T) {
	m := newMachine()
	assert.Equal(t, uint16(0), m.duty(-0.5))
	assert.Equal(t, uint16(500), m.duty(0.5))
	assert.Equal(t, uint16(1000), m.duty(1))
	assert.Equal(t, uint16(1000), m.duty(3))
}

func TestStep(t *testing.T) {
	temps := [Zones]float32{25, 25}
	auto := profile.New([]profile.Breakpoint{{Second: 0, Temperature: 30}, {Second: 1, Temperature: 40}}, 0)

	tests := []struct {
		name  string
		reqs  []Request
		state State
		check func(t *testing.T, out Output, err error)
	}{
		{
			name:  "idle without request",
			reqs:  []Request{{}},
			state: Idle,
			check: func(t *testing.T, out Output, err error) {
				assert.NoError(t, err)
				assert.False(t, out.Started)
			},
		},
		{
			name:  "manual start",
			reqs:  []Request{{Manual: true, Setpoints: [Zones]float32{150, 70}, Gains: gains}},
			state: ManualRunning,
			check: func(t *testing.T, out Output, err error) {
				require.NoError(t, err)
				assert.True(t, out.Started)
				assert.Equal(t, uint32(0), out.Elapsed)
			},
		},
		{
			name: "manual keeps running",
			reqs: []Request{
				{Manual: true, Setpoints: [Zones]float32{150, 70}, Gains: gains},
				{Manual: true, Setpoints: [Zones]float32{150, 70}, Gains: gains},
			},
			state: ManualRunning,
			check: func(t *testing.T, out Output, err error) {
				require.NoError(t, err)
				assert.False(t, out.Started)
				assert.Equal(t, uint32(1), out.Elapsed)
			},
		},
		{
			name: "withdrawn request stops",
			reqs: []Request{
				{Manual: true, Setpoints: [Zones]float32{150, 70}, Gains: gains},
				{},
			},
			state: Idle,
			check: func(t *testing.T, out Output, err error) {
				require.NoError(t, err)
				assert.True(t, out.Stopped)
				assert.Equal(t, [Zones]uint16{}, out.Duties)
			},
		},
		{
			name: "auto flag does not stop manual",
			reqs: []Request{
				{Manual: true, Gains: gains},
				{Manual: true, Auto: true, Gains: gains},
			},
			state: ManualRunning,
			check: func(t *testing.T, out Output, err error) {
				assert.NoError(t, err)
				assert.False(t, out.Stopped)
			},
		},
		{
			name:  "auto start",
			reqs:  []Request{{Auto: true, Profile: auto, Gains: gains}},
			state: AutoRunning,
			check: func(t *testing.T, out Output, err error) {
				require.NoError(t, err)
				assert.True(t, out.Started)
				assert.Equal(t, [Zones]bool{true, true}, out.Active)
			},
		},
		{
			name:  "refused start",
			reqs:  []Request{{Manual: true, Gains: [Zones]pid.Gains{{Kp: -1}, {}}}},
			state: Idle,
			check: func(t *testing.T, out Output, err error) {
				assert.ErrorIs(t, err, pid.ErrInvalidTuning)
				assert.False(t, out.Started)
				assert.Equal(t, Idle, out.State)
			},
		},
		{
			name:  "invalid profile refused",
			reqs:  []Request{{Auto: true, Gains: gains}},
			state: Idle,
			check: func(t *testing.T, out Output, err error) {
				assert.ErrorIs(t, err, profile.ErrInvalid)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine()
			var (
				out Output
				err error
			)
			for _, req := range tt.reqs {
				out, err = m.Step(temps, req)
			}
			assert.Equal(t, tt.state, m.State())
			tt.check(t, out, err)
		})
	}
}
