package mathx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name      string
		v, lo, hi float32
		expected  float32
	}{
		{"inside", 0.5, 0, 1, 0.5},
		{"below", -2, 0, 1, 0},
		{"above", 3, 0, 1, 1},
		{"swapped bounds", 3, 1, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Clamp(tt.v, tt.lo, tt.hi))
		})
	}
}

func TestClampIntegers(t *testing.T) {
	assert.Equal(t, uint16(1000), Clamp(uint16(1200), 0, 1000))
	assert.Equal(t, 0, Clamp(-5, 0, 10))
}

func TestLerp(t *testing.T) {
	assert.InDelta(t, 25.0, Lerp(20.0, 30.0, 0.5), 1e-9)
	assert.InDelta(t, float32(20), Lerp(float32(20), 30, 0), 1e-6)
	assert.InDelta(t, float32(30), Lerp(float32(20), 30, 1), 1e-6)
}

func TestMin(t *testing.T) {
	assert.Equal(t, 3, Min(3, 7))
	assert.Equal(t, 3, Min(7, 3))
}
