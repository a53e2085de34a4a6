package audio

import (
	"encoding/base64"
	"fmt"
)

// DecodeError reports PCM input whose length is not a whole number of
// 16-bit samples. Callers must not feed partial samples; frames carrying
// a DecodeError are dropped upstream, never forwarded.
type DecodeError struct {
	Bytes int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: %d bytes is not a whole number of int16 samples", e.Bytes)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples.
// If srcRate == dstRate, the input is returned unchanged (identity, no
// copy).
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// Resample resamples little-endian PCM16 mono audio, validating sample
// alignment first. Same algorithm as ResampleMono16 with an explicit
// error for truncated input.
func Resample(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Bytes: len(pcm)}
	}
	return ResampleMono16(pcm, srcRate, dstRate), nil
}

// TransportToModel converts one base64-encoded mu-law telephony payload
// into PCM16 at the model rate: base64 decode, mu-law decode, resample
// 8000 -> 24000.
func TransportToModel(payload string) ([]byte, error) {
	ulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	pcm := DecodeULaw(ulaw)
	return ResampleMono16(pcm, TelephonyRate, ModelRate), nil
}

// ModelToTransport converts model-rate PCM16 into a base64-encoded
// mu-law telephony payload: resample 24000 -> 8000, mu-law encode,
// base64 encode.
func ModelToTransport(pcm []byte) (string, error) {
	narrow, err := Resample(pcm, ModelRate, TelephonyRate)
	if err != nil {
		return "", err
	}
	ulaw, err := EncodeULaw(narrow)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ulaw), nil
}
