package gpio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goreflow/pkg/runmode"
	"github.com/itohio/goreflow/pkg/thermocouple"
)

type outFunc func(bool)

func (f outFunc) Set(high bool) { f(high) }

type inFunc func() bool

func (f inFunc) Get() bool { return f() }

func testPins() Pins {
	return Pins{
		ThermoSO:  18,
		ThermoSCK: 20,
		CS:        [runmode.Zones]int{19, 17},
		Data:      21,
		Clock:     23,
		Latch:     22,
		RelayBits: [runmode.Zones]uint8{5, 4},
	}
}

func TestBus_SharedConverters(t *testing.T) {
	top, bottom := thermocouple.NewSim(210.5), thermocouple.NewSim(95.25)

	so := inFunc(func() bool { return top.SO() || bottom.SO() })
	sck := outFunc(func(high bool) {
		top.SetSCK(high)
		bottom.SetSCK(high)
	})
	bus := NewBus(so, sck)

	clock := func() time.Time { return time.Unix(100, 0) }
	samplers := [runmode.Zones]*thermocouple.Sampler{
		thermocouple.New(bus.Device(outFunc(top.SetCS)), thermocouple.Config{},
			thermocouple.WithClock(clock, nil)),
		thermocouple.New(bus.Device(outFunc(bottom.SetCS)), thermocouple.Config{},
			thermocouple.WithClock(clock, nil)),
	}

	want := [runmode.Zones]float32{210.5, 95.25}
	for z := runmode.Top; z < runmode.Zones; z++ {
		r, err := samplers[z].Sample()
		require.NoError(t, err, z.String())
		assert.Equal(t, want[z], r.Celsius(), z.String())
	}
	assert.Equal(t, 1, top.Frames())
	assert.Equal(t, 1, bottom.Frames())
}

func TestNewBoard(t *testing.T) {
	chip := NewFakeChip(nil)
	b, err := NewBoard(chip, testPins())
	require.NoError(t, err)

	for _, offset := range []int{19, 17} {
		cs := chip.Line(offset)
		require.NotNil(t, cs, "chip select %d", offset)
		assert.True(t, cs.Get(), "chip select %d idles high", offset)
	}
	for _, offset := range []int{20, 21, 22, 23} {
		require.NotNil(t, chip.Line(offset), "line %d", offset)
	}

	b.Relays.Set(int(runmode.Top), true)
	assert.Equal(t, uint8(1<<5), b.Relays.State())
	b.Relays.Set(int(runmode.Bottom), true)
	assert.Equal(t, uint8(1<<5|1<<4), b.Relays.State())

	require.NoError(t, b.Close())
	assert.Equal(t, uint8(0), b.Relays.State())
	assert.True(t, chip.Closed)
}

func TestNewBoard_Failure(t *testing.T) {
	tests := []struct {
		name   string
		offset int
	}{
		{"data in", 18},
		{"clock", 20},
		{"chip select", 17},
		{"latch", 22},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chip := NewFakeChip(nil)
			chip.Fail = map[int]bool{tt.offset: true}

			b, err := NewBoard(chip, testPins())
			assert.Error(t, err)
			assert.Nil(t, b)
			assert.True(t, chip.Closed)
		})
	}
}

func TestFakeLine(t *testing.T) {
	var seen []bool
	l := &FakeLine{OnSet: func(high bool) { seen = append(seen, high) }}

	l.Set(true)
	l.Set(true)
	l.Set(false)

	assert.False(t, l.Get())
	assert.Equal(t, 2, l.Edges())
	assert.Equal(t, []bool{true, true, false}, seen)
}
