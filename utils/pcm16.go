package utils

import (
	"encoding/binary"
	"math"
	"time"
)

const pcm16BytesPerSample = 2

// FloatToPCM16 converts float samples to 16-bit little-endian PCM. Samples are
// clamped to [-1,1]; negatives scale by 32768 and positives by 32767 so +1.0
// does not overflow. Positives round up, which keeps the round trip through
// PCM16ToFloat within one step of 1/32768.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*pcm16BytesPerSample)
	for i, s := range samples {
		s = max(-1, min(1, s))
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(math.Ceil(float64(s) * 32767))
		}
		binary.LittleEndian.PutUint16(out[i*pcm16BytesPerSample:], uint16(v)) //nolint:gosec // two's complement encoding
	}
	return out
}

// PCM16ToFloat is the inverse of FloatToPCM16. A trailing odd byte is ignored.
func PCM16ToFloat(data []byte) []float32 {
	n := len(data) / pcm16BytesPerSample
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*pcm16BytesPerSample:])) //nolint:gosec // two's complement decoding
		out[i] = float32(v) / 32768
	}
	return out
}

// SamplesDuration is the playback length of n mono samples at sampleRate.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
