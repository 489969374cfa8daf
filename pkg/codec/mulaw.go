// Package codec converts between 8-bit μ-law telephony audio at 8 kHz and
// 16-bit linear PCM at 16 kHz. All conversions are stateless and
// deterministic; empty input always yields empty output.
package codec

const (
	muLawBias = 0x84
	muLawClip = 32635

	// RateTelephony is the μ-law wire rate, RatePipeline what stages expect.
	RateTelephony = 8000
	RatePipeline  = 16000
)

// DecodeMuLaw expands μ-law bytes to linear PCM16 samples at the wire rate.
func DecodeMuLaw(data []byte) []int16 {
	if len(data) == 0 {
		return nil
	}
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = muLawToLinear(b)
	}
	return out
}

// EncodeMuLaw compresses linear PCM16 samples back to μ-law bytes.
func EncodeMuLaw(samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = linearToMuLaw(s)
	}
	return out
}

func muLawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + muLawBias
	value <<= uint(exp)
	value -= muLawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

func linearToMuLaw(sample int16) byte {
	sign := byte(0)
	v := int(sample)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias
	exp := byte(7)
	for mask := 0x4000; (v&mask) == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((v >> (int(exp) + 3)) & 0x0F)
	return ^(sign | (exp << 4) | mant)
}

// Upsample8to16 doubles the sample count by linear interpolation at
// fractional positions i*(N-1)/(M-1) for M = round(N*2).
func Upsample8to16(in []int16) []int16 {
	n := len(in)
	if n == 0 {
		return nil
	}
	m := n * 2
	out := make([]int16, m)
	if n == 1 {
		out[0], out[1] = in[0], in[0]
		return out
	}
	step := float64(n-1) / float64(m-1)
	for i := 0; i < m; i++ {
		pos := float64(i) * step
		j := int(pos)
		if j >= n-1 {
			out[i] = in[n-1]
			continue
		}
		frac := pos - float64(j)
		a, b := float64(in[j]), float64(in[j+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

// MuLawToPCM16K decodes a μ-law packet and upsamples it for the pipeline.
// N input bytes produce 2N samples (4N little-endian bytes) at 16000 Hz.
func MuLawToPCM16K(data []byte) ([]byte, int) {
	if len(data) == 0 {
		return nil, RatePipeline
	}
	return PCM16Bytes(Upsample8to16(DecodeMuLaw(data))), RatePipeline
}

// PCM16Bytes packs samples as little-endian bytes.
func PCM16Bytes(samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// PCM16Samples unpacks little-endian bytes; a trailing odd byte is dropped.
func PCM16Samples(data []byte) []int16 {
	n := len(data) / 2
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return out
}
