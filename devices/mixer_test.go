package devices

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMixerPlaysSegmentsBackToBack(t *testing.T) {
	m := newMixer(1000)
	var ended []string
	require.NoError(t, m.Play([]float32{0.1, 0.2, 0.3}, func() { ended = append(ended, "a") }))
	require.NoError(t, m.Play([]float32{0.4}, func() { ended = append(ended, "b") }))

	buf := make([]float32, 2)
	for _, f := range m.fill(buf) {
		f()
	}
	assert.Equal(t, []float32{0.1, 0.2}, buf)
	assert.Empty(t, ended)

	for _, f := range m.fill(buf) {
		f()
	}
	assert.Equal(t, []float32{0.3, 0.4}, buf)
	assert.Equal(t, []string{"a", "b"}, ended)

	// starved output is silent
	m.fill(buf)
	assert.Equal(t, []float32{0, 0}, buf)
}

func TestMixerEmptySegmentEndsImmediately(t *testing.T) {
	m := newMixer(1000)
	done := false
	require.NoError(t, m.Play(nil, func() { done = true }))
	for _, f := range m.fill(make([]float32, 1)) {
		f()
	}
	assert.True(t, done)
}

func TestMixerRampAndReset(t *testing.T) {
	m := newMixer(1000)
	samples := []float32{1, 1, 1, 1, 1, 1}
	ended := false
	require.NoError(t, m.Play(samples, func() { ended = true }))

	m.RampGain(0, 4*time.Millisecond) // four samples
	buf := make([]float32, 6)
	m.fill(buf)
	assert.InDeltaSlice(t, []float32{1, 0.75, 0.5, 0.25, 0, 0}, buf, 1e-6)

	require.NoError(t, m.Play(samples, func() { ended = true }))
	require.NoError(t, m.Reset())
	ended = false
	m.fill(buf)
	assert.Equal(t, make([]float32, 6), buf)
	assert.False(t, ended)

	// unity gain after reset
	require.NoError(t, m.Play([]float32{0.5}, nil))
	m.fill(buf[:1])
	assert.Equal(t, float32(0.5), buf[0])
}
