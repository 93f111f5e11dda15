package utils

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCM16RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	in := make([]float32, 4096)
	for i := range in {
		in[i] = rng.Float32()*2 - 1
	}
	in[0], in[1], in[2] = -1, 1, 0

	out := PCM16ToFloat(FloatToPCM16(in))
	require.Len(t, out, len(in))
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1.0/32768+1e-7, "sample %d", i)
	}
}

func TestPCM16RoundTripNearFullScale(t *testing.T) {
	// positives encode with 32767 and decode with 32768, so the worst case
	// sits just below +1
	in := make([]float32, 0, 2001)
	for i := 0; i <= 2000; i++ {
		in = append(in, 0.99+float32(i)*0.000005)
	}
	out := PCM16ToFloat(FloatToPCM16(in))
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1.0/32768+1e-7, "sample %v", in[i])
	}
}

func TestFloatToPCM16FullScale(t *testing.T) {
	b := FloatToPCM16([]float32{1, -1, 2, -2})
	require.Len(t, b, 8)
	// +1 -> 32767, -1 -> -32768, out of range values are clamped
	assert.Equal(t, []byte{0xff, 0x7f, 0x00, 0x80, 0xff, 0x7f, 0x00, 0x80}, b)
}

func TestPCM16ToFloatOddLength(t *testing.T) {
	out := PCM16ToFloat([]byte{0x00, 0x40, 0x01})
	require.Len(t, out, 1)
	assert.Equal(t, float32(0.5), out[0])
}

func TestSamplesDuration(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, SamplesDuration(2400, 24000))
	assert.Equal(t, time.Duration(0), SamplesDuration(10, 0))
}
