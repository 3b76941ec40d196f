package audio

import (
	"encoding/binary"
	"math"
)

// FloatToInt16 converts floating-point PCM to signed 16-bit PCM. Each sample
// is clipped to [-1, 1]; negative values are scaled by 32768 and non-negative
// values by 32767, then truncated toward zero.
func FloatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s)
		switch {
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		if v < 0 {
			out[i] = int16(v * 32768)
		} else {
			out[i] = int16(v * 32767)
		}
	}
	return out
}

// Int16ToFloat is the inverse of [FloatToInt16]: negative values are divided
// by 32768 and non-negative values by 32767.
func Int16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		if s < 0 {
			out[i] = float32(s) / 32768
		} else {
			out[i] = float32(s) / 32767
		}
	}
	return out
}

// Resample converts mono samples from fromRate to toRate using linear
// interpolation. If the rates are equal (or either is non-positive) the input
// slice is returned unchanged. The output holds floor(len*toRate/fromRate)
// samples; each is interpolated between the floor and ceil source indices by
// the fractional source offset.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate {
		return samples
	}
	n := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	if n == 0 {
		return []float32{}
	}

	out := make([]float32, n)
	ratio := float64(fromRate) / float64(toRate)
	last := len(samples) - 1

	for i := range n {
		pos := float64(i) * ratio
		lo := int(pos)
		hi := int(math.Ceil(pos))
		if lo > last {
			lo = last
		}
		if hi > last {
			hi = last
		}
		frac := pos - float64(lo)
		out[i] = float32(float64(samples[lo])*(1-frac) + float64(samples[hi])*frac)
	}
	return out
}

// RMS returns the root-mean-square energy of samples, or 0 for empty input.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Int16ToBytes encodes samples as little-endian 16-bit PCM.
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// BytesToInt16 decodes little-endian 16-bit PCM. A trailing odd byte is
// ignored.
func BytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}

// EncodePCM16 resamples mono float samples from fromRate to toRate and encodes
// the result as little-endian 16-bit PCM, the uplink wire format.
func EncodePCM16(samples []float32, fromRate, toRate int) []byte {
	return Int16ToBytes(FloatToInt16(Resample(samples, fromRate, toRate)))
}

// DecodePCM16 decodes little-endian 16-bit PCM into float samples.
func DecodePCM16(b []byte) []float32 {
	return Int16ToFloat(BytesToInt16(b))
}
