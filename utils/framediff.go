package utils

const (
	bytesPerPixel = 4

	// channelTolerance is how far an R, G or B value may drift and still count
	// as the same pixel.
	channelTolerance = 10

	edgeSamplePairs = 1000
	edgeThreshold   = 30
)

// Similarity estimates how alike two RGBA pixel buffers are by comparing
// sampleSize evenly strided pixels. Alpha is ignored. Buffers of different
// length (a resolution change) are treated as entirely different.
func Similarity(current, previous []byte, sampleSize int) float64 {
	if len(current) != len(previous) || sampleSize <= 0 {
		return 0
	}
	pixels := len(current) / bytesPerPixel
	if pixels == 0 {
		return 0
	}

	samples := min(sampleSize, pixels)
	stride := pixels / samples

	matches := 0
	for i := 0; i < samples; i++ {
		off := i * stride * bytesPerPixel
		if channelClose(current[off], previous[off]) &&
			channelClose(current[off+1], previous[off+1]) &&
			channelClose(current[off+2], previous[off+2]) {
			matches++
		}
	}
	return float64(matches) / float64(samples)
}

func channelClose(a, b byte) bool {
	d := int(a) - int(b)
	return d <= channelTolerance && d >= -channelTolerance
}

// EdgeRatio samples adjacent pixel pairs along the buffer and returns the
// share whose intensity jump exceeds the edge threshold. Text and UI chrome
// score high, photos and flat fills score low.
func EdgeRatio(pix []byte) float64 {
	pixels := len(pix) / bytesPerPixel
	if pixels < 2 {
		return 0
	}
	pairs := min(edgeSamplePairs, pixels-1)
	stride := (pixels - 1) / pairs

	edges := 0
	for i := 0; i < pairs; i++ {
		off := i * stride * bytesPerPixel
		d := intensity(pix[off:]) - intensity(pix[off+bytesPerPixel:])
		if d > edgeThreshold || d < -edgeThreshold {
			edges++
		}
	}
	return float64(edges) / float64(pairs)
}

func intensity(p []byte) int {
	return (int(p[0]) + int(p[1]) + int(p[2])) / 3
}

// QualityForEdgeRatio maps edge density to a JPEG quality in [0,1].
func QualityForEdgeRatio(edgeRatio float64) float64 {
	switch {
	case edgeRatio > 0.30:
		return 0.85
	case edgeRatio > 0.15:
		return 0.75
	default:
		return 0.65
	}
}
