package gpio

import (
	"sync"

	"github.com/pkg/errors"
)

// FakeChip records line requests and levels, for tests without hardware.
type FakeChip struct {
	mu      sync.Mutex
	outputs map[int]*FakeLine
	inputs  map[int]Input
	Closed  bool
	// Fail makes requests of the listed offsets fail.
	Fail map[int]bool
}

var _ Chip = (*FakeChip)(nil)

// NewFakeChip creates a fake chip. Inputs not given here read low.
func NewFakeChip(inputs map[int]Input) *FakeChip {
	if inputs == nil {
		inputs = map[int]Input{}
	}
	return &FakeChip{outputs: map[int]*FakeLine{}, inputs: inputs}
}

func (c *FakeChip) Output(offset int, initial bool) (Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail[offset] {
		return nil, errors.Errorf("line %d busy", offset)
	}
	l := &FakeLine{}
	l.Set(initial)
	c.outputs[offset] = l
	return l, nil
}

func (c *FakeChip) Input(offset int) (Input, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail[offset] {
		return nil, errors.Errorf("line %d busy", offset)
	}
	if in, ok := c.inputs[offset]; ok {
		return in, nil
	}
	return &FakeLine{}, nil
}

// Line returns a requested output, or nil.
func (c *FakeChip) Line(offset int) *FakeLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputs[offset]
}

func (c *FakeChip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed = true
	return nil
}

// FakeLine is an in-memory line. An optional OnSet hook sees every write.
type FakeLine struct {
	mu    sync.Mutex
	high  bool
	edges int
	OnSet func(high bool)
}

func (l *FakeLine) Set(high bool) {
	l.mu.Lock()
	if l.high != high {
		l.edges++
	}
	l.high = high
	hook := l.OnSet
	l.mu.Unlock()

	if hook != nil {
		hook(high)
	}
}

func (l *FakeLine) Get() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.high
}

// Edges returns the number of level changes.
func (l *FakeLine) Edges() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.edges
}
