package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedAudioFrame is returned when a frame is not made of whole
// 32-bit float samples
var ErrMalformedAudioFrame = errors.New("malformed audio frame")

const (
	float32SampleBytes = 4
	int16SampleBytes   = 2

	// pcm16Scale maps the float range [-1, 1] onto int16
	pcm16Scale = 32767
)

// ConvertFloat32ToPCM16 converts a frame of little-endian float32 PCM (mono)
// to little-endian 16-bit signed PCM (linear16).
// Samples are clamped to [-1, 1], scaled by 32767 and truncated toward zero.
// The output is exactly half the input length.
func ConvertFloat32ToPCM16(frame []byte) ([]byte, error) {
	if len(frame)%float32SampleBytes != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedAudioFrame, len(frame), float32SampleBytes)
	}

	samples := len(frame) / float32SampleBytes
	out := make([]byte, samples*int16SampleBytes)
	for i := 0; i < samples; i++ {
		bits := binary.LittleEndian.Uint32(frame[i*float32SampleBytes:])
		sample := floatToPCM16(math.Float32frombits(bits))
		binary.LittleEndian.PutUint16(out[i*int16SampleBytes:], uint16(sample))
	}

	return out, nil
}

// floatToPCM16 converts one normalized float sample to int16
func floatToPCM16(f float32) int16 {
	if math.IsNaN(float64(f)) {
		return 0
	}
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	}
	// Go float-to-int conversion truncates toward zero
	return int16(float64(f) * pcm16Scale)
}

// ConvertPCM16ToFloat32 converts little-endian 16-bit PCM back to float32 PCM.
// Used for diagnostics and to check conversion accuracy.
func ConvertPCM16ToFloat32(pcm []byte) ([]byte, error) {
	if len(pcm)%int16SampleBytes != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(pcm))
	}

	samples := len(pcm) / int16SampleBytes
	out := make([]byte, samples*float32SampleBytes)
	for i := 0; i < samples; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*int16SampleBytes:]))
		f := float32(float64(sample) / pcm16Scale)
		binary.LittleEndian.PutUint32(out[i*float32SampleBytes:], math.Float32bits(f))
	}

	return out, nil
}

// BytesToSamples decodes little-endian 16-bit PCM into samples.
// A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/int16SampleBytes)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*int16SampleBytes:]))
	}
	return samples
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
