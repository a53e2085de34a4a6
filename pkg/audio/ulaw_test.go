package audio_test

import (
	"testing"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

func TestULawRoundTrip_QuantizationBound(t *testing.T) {
	// Encode→decode is lossy; the error must stay within the codec's
	// largest step size. G.711 segments double the step each octave, so
	// the worst case sits just under 1000 full-scale units.
	src := sineWave(160, 300, 8000, 30000)
	encoded, err := audio.EncodeULaw(samplesToBytes(src))
	if err != nil {
		t.Fatalf("EncodeULaw: %v", err)
	}
	decoded := bytesToSamples(audio.DecodeULaw(encoded))
	if len(decoded) != len(src) {
		t.Fatalf("length mismatch: got %d, want %d", len(decoded), len(src))
	}
	for i, want := range src {
		diff := int(decoded[i]) - int(want)
		if diff < 0 {
			diff = -diff
		}
		if diff > 1000 {
			t.Fatalf("sample %d: quantization error %d exceeds codec step bound (got %d, want %d)",
				i, diff, decoded[i], want)
		}
	}
}

func TestULawSample_Extremes(t *testing.T) {
	cases := []struct {
		name   string
		sample int16
	}{
		{"zero", 0},
		{"max", 32767},
		{"min", -32768},
		{"clip", 32635},
		{"quiet", 12},
		{"negative", -4000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := audio.EncodeULawSample(tc.sample)
			got := audio.DecodeULawSample(b)
			// Sign must survive except at the quietest levels where
			// quantization collapses to zero.
			if tc.sample > 100 && got <= 0 {
				t.Errorf("positive sample %d decoded to %d", tc.sample, got)
			}
			if tc.sample < -100 && got >= 0 {
				t.Errorf("negative sample %d decoded to %d", tc.sample, got)
			}
		})
	}
}

func TestDecodeULaw_Length(t *testing.T) {
	pcm := audio.DecodeULaw(make([]byte, 160))
	if len(pcm) != 320 {
		t.Fatalf("expected 320 bytes of PCM, got %d", len(pcm))
	}
}

func TestEncodeULaw_OddLength(t *testing.T) {
	if _, err := audio.EncodeULaw([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("expected error for odd-length PCM input")
	}
}
