package eeprom

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time        { return c.t }
func (c *clock) sleep(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore() (*Store, *Sim, *clock) {
	clk := &clock{t: time.Unix(0, 0)}
	sim := NewSim(clk.now)
	return New(sim, Config{}, WithSleep(clk.sleep)), sim, clk
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestStore_Probe(t *testing.T) {
	s, sim, _ := newTestStore()
	before := sim.Bytes()

	assert.True(t, s.Probe())

	sim.SetAbsent(true)
	assert.False(t, s.Probe())
	assert.Equal(t, before, sim.Bytes(), "probe must not change memory")
	assert.Empty(t, sim.Writes())
}

func TestStore_WriteSplitsPages(t *testing.T) {
	s, sim, _ := newTestStore()

	data := pattern(20, 0x01)
	require.NoError(t, s.Write(10, data))

	assert.Equal(t, []PageWrite{{Addr: 10, Len: 6}, {Addr: 16, Len: 14}}, sim.Writes())

	got, err := s.Read(10, 20)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStore_WritePlan(t *testing.T) {
	tests := []struct {
		name     string
		addr     int
		n        int
		expected []PageWrite
	}{
		{"short inside a page", 3, 4, []PageWrite{{3, 4}}},
		{"aligned single page", 32, 16, []PageWrite{{32, 16}}},
		{"aligned with tail", 0, 20, []PageWrite{{0, 16}, {16, 4}}},
		{"head, pages and tail", 13, 40, []PageWrite{{13, 3}, {16, 16}, {32, 16}, {48, 8}}},
		{"ends on boundary", 8, 8, []PageWrite{{8, 8}}},
		{"empty", 100, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, sim, _ := newTestStore()
			require.NoError(t, s.Write(tt.addr, pattern(tt.n, 0x40)))
			assert.Equal(t, tt.expected, sim.Writes())
		})
	}
}

func TestStore_RoundTrip(t *testing.T) {
	spans := []struct {
		addr, n int
	}{
		{0, 1},
		{0, 16},
		{15, 2},
		{5, 40},
		{250, 20},
		{1000, 300},
		{2040, 8},
		{0, Capacity},
	}

	for _, sp := range spans {
		s, sim, _ := newTestStore()
		data := pattern(sp.n, byte(sp.addr))
		require.NoError(t, s.Write(sp.addr, data), "write %+v", sp)

		got, err := s.Read(sp.addr, sp.n)
		require.NoError(t, err)
		assert.Equal(t, data, got, "span %+v", sp)

		// bytes outside the span stay blank
		mem := sim.Bytes()
		for i := 0; i < sp.addr; i++ {
			require.Equal(t, byte(0xFF), mem[i])
		}
		for i := sp.addr + sp.n; i < Capacity; i++ {
			require.Equal(t, byte(0xFF), mem[i])
		}
	}
}

func TestStore_OutOfRange(t *testing.T) {
	s, sim, _ := newTestStore()

	assert.ErrorIs(t, s.Write(2040, pattern(9, 0)), ErrOutOfRange)
	assert.ErrorIs(t, s.Write(-1, pattern(1, 0)), ErrOutOfRange)
	_, err := s.Read(2047, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.Empty(t, sim.Writes())
}

func TestStore_HoldOff(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	sim := NewSim(clk.now)

	var waits []time.Duration
	s := New(sim, Config{}, WithSleep(func(d time.Duration) {
		waits = append(waits, d)
		clk.sleep(d)
	}))
	require.NoError(t, s.Write(10, pattern(20, 1)))
	assert.Equal(t, []time.Duration{DefaultWriteCycle, DefaultWriteCycle}, waits)

	// without the hold-off the device NACKs the second page
	hasty := New(sim, Config{}, WithSleep(func(time.Duration) {}))
	err := hasty.Write(30, pattern(20, 1))
	assert.ErrorIs(t, err, ErrBusy)
}

func TestStore_BusError(t *testing.T) {
	s, sim, _ := newTestStore()
	sim.SetAbsent(true)

	err := s.Write(0, []byte{1})
	assert.ErrorIs(t, err, ErrNoDevice)
	_, err = s.Read(0, 1)
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestSim_PageWraparound(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	sim := NewSim(clk.now)

	// 4 bytes at offset 14 of page 0: the last two land at 0 and 1
	require.NoError(t, sim.Tx(BaseAddress, []byte{14, 0xA1, 0xA2, 0xA3, 0xA4}, nil))
	mem := sim.Bytes()
	assert.Equal(t, []byte{0xA3, 0xA4}, mem[0:2])
	assert.Equal(t, []byte{0xA1, 0xA2}, mem[14:16])
	assert.Equal(t, byte(0xFF), mem[16])
}

func TestSim_BlockAddressing(t *testing.T) {
	s, sim, _ := newTestStore()
	require.NoError(t, s.Write(0x3F0, []byte{0x5A}))

	assert.Equal(t, byte(0x5A), sim.Bytes()[0x3F0])

	var b [1]byte
	require.NoError(t, sim.Tx(BaseAddress|0x03, []byte{0xF0}, b[:]))
	assert.Equal(t, byte(0x5A), b[0])
}

func TestSim_ImageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eeprom.bin")
	clk := &clock{t: time.Unix(0, 0)}

	sim, err := OpenSimFile(path, clk.now)
	require.NoError(t, err)
	s := New(sim, Config{}, WithSleep(clk.sleep))
	require.NoError(t, s.Write(100, []byte("reflow")))

	reopened, err := OpenSimFile(path, clk.now)
	require.NoError(t, err)
	got, err := New(reopened, Config{}, WithSleep(clk.sleep)).Read(100, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("reflow"), got)
}
