package audio

import (
	"math"
)

// BytesFromSamples converts int16 PCM samples to 16-bit little-endian bytes.
func BytesFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// SamplesFromBytes converts 16-bit little-endian PCM bytes to int16 samples.
// A trailing odd byte is dropped.
func SamplesFromBytes(p []byte) []int16 {
	samples := make([]int16, len(p)/2)
	for i := range samples {
		samples[i] = int16(p[i*2]) | int16(p[i*2+1])<<8
	}
	return samples
}

// CalculateRMS returns the root mean square energy of the samples. Used by
// the energy gate to decide whether a frame is worth sending to the engine.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
