package audio

import (
	"testing"
)

func TestBytesFromSamples_RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345}

	got := SamplesFromBytes(BytesFromSamples(samples))
	if len(got) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(got))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], got[i])
		}
	}
}

func TestBytesFromSamples_LittleEndian(t *testing.T) {
	got := BytesFromSamples([]int16{0x0102})
	if got[0] != 0x02 || got[1] != 0x01 {
		t.Errorf("Expected little-endian [02 01], got [%02x %02x]", got[0], got[1])
	}
}

func TestSamplesFromBytes_OddLength(t *testing.T) {
	got := SamplesFromBytes([]byte{0x01, 0x02, 0x03})
	if len(got) != 1 {
		t.Errorf("Expected trailing byte to be dropped, got %d samples", len(got))
	}
}
