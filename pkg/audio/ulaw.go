package audio

// G.711 mu-law companding. Telephony media streams deliver 8-bit mu-law
// at 8kHz; the model wants linear PCM16. The transform is exact per
// sample in the decode direction and quantizing in the encode direction
// (step size grows with amplitude, worst case under 1000 full-scale units).

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// DecodeULawSample converts a single mu-law byte to a linear PCM16 sample.
func DecodeULawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := int(b>>4) & 0x07
	mantissa := int(b & 0x0F)

	sample := int16((mantissa<<3 | ulawBias) << exponent)
	sample -= ulawBias

	if sign != 0 {
		return -sample
	}
	return sample
}

// EncodeULawSample converts a linear PCM16 sample to a mu-law byte.
// Samples beyond the codec clip level saturate.
func EncodeULawSample(sample int16) byte {
	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		if sample == -32768 {
			sample = 32767
		} else {
			sample = -sample
		}
	}
	if sample > ulawClip {
		sample = ulawClip
	}

	s := int(sample) + ulawBias
	exponent := byte(7)
	for i := byte(0); i < 8; i++ {
		if s < (1 << (i + 8)) {
			exponent = i
			break
		}
	}

	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeULaw converts mu-law bytes to little-endian PCM16 bytes.
// Output is always exactly twice the input length.
func DecodeULaw(ulaw []byte) []byte {
	pcm := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		s := DecodeULawSample(b)
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// EncodeULaw converts little-endian PCM16 bytes to mu-law bytes.
// The input must contain whole samples; a trailing odd byte is a caller
// bug and yields a DecodeError.
func EncodeULaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Bytes: len(pcm)}
	}
	ulaw := make([]byte, len(pcm)/2)
	for i := range ulaw {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		ulaw[i] = EncodeULawSample(s)
	}
	return ulaw, nil
}
