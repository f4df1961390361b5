package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func float32Frame(samples ...float32) []byte {
	frame := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(frame[i*4:], math.Float32bits(s))
	}
	return frame
}

func TestConvertFloat32ToPCM16(t *testing.T) {
	tests := []struct {
		name   string
		sample float32
		want   int16
	}{
		{"zero", 0, 0},
		{"full scale positive", 1.0, 32767},
		{"full scale negative", -1.0, -32767},
		{"half positive truncates", 0.5, 16383},
		{"half negative truncates toward zero", -0.5, -16383},
		{"clamped above", 2.5, 32767},
		{"clamped below", -7, -32767},
		{"positive infinity", float32(math.Inf(1)), 32767},
		{"negative infinity", float32(math.Inf(-1)), -32767},
		{"nan", float32(math.NaN()), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ConvertFloat32ToPCM16(float32Frame(tt.sample))
			if err != nil {
				t.Fatalf("ConvertFloat32ToPCM16 failed: %v", err)
			}
			if len(out) != 2 {
				t.Fatalf("Expected 2 output bytes, got %d", len(out))
			}
			got := int16(binary.LittleEndian.Uint16(out))
			if got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestConvertFloat32ToPCM16_HalvesLength(t *testing.T) {
	frame := float32Frame(make([]float32, 1600)...)
	out, err := ConvertFloat32ToPCM16(frame)
	if err != nil {
		t.Fatalf("ConvertFloat32ToPCM16 failed: %v", err)
	}
	if len(out) != len(frame)/2 {
		t.Errorf("Expected output length %d, got %d", len(frame)/2, len(out))
	}
}

func TestConvertFloat32ToPCM16_Empty(t *testing.T) {
	out, err := ConvertFloat32ToPCM16(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty frame, got %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Expected empty output, got %d bytes", len(out))
	}
}

func TestConvertFloat32ToPCM16_Malformed(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 7, 4099} {
		out, err := ConvertFloat32ToPCM16(make([]byte, n))
		if !errors.Is(err, ErrMalformedAudioFrame) {
			t.Errorf("len %d: expected ErrMalformedAudioFrame, got %v", n, err)
		}
		if out != nil {
			t.Errorf("len %d: expected no output, got %d bytes", n, len(out))
		}
	}
}

func TestConvertFloat32ToPCM16_RoundTrip(t *testing.T) {
	const step = 1.0 / 32767
	samples := make([]float32, 0, 2001)
	for i := -1000; i <= 1000; i++ {
		samples = append(samples, float32(i)/1000)
	}

	pcm, err := ConvertFloat32ToPCM16(float32Frame(samples...))
	if err != nil {
		t.Fatalf("ConvertFloat32ToPCM16 failed: %v", err)
	}
	back, err := ConvertPCM16ToFloat32(pcm)
	if err != nil {
		t.Fatalf("ConvertPCM16ToFloat32 failed: %v", err)
	}

	for i, original := range samples {
		recovered := math.Float32frombits(binary.LittleEndian.Uint32(back[i*4:]))
		diff := math.Abs(float64(original) - float64(recovered))
		// float32 representation adds a tiny error on top of one quantization step
		if diff > step+1e-6 {
			t.Errorf("Sample %d: original=%f recovered=%f diff=%g exceeds one step", i, original, recovered, diff)
		}
	}
}

func TestConvertPCM16ToFloat32_OddLength(t *testing.T) {
	if _, err := ConvertPCM16ToFloat32([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Error("Expected error for odd-length PCM data")
	}
}

func TestBytesToSamples(t *testing.T) {
	bytes := []byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80, 0x42}
	samples := BytesToSamples(bytes)

	expected := []int16{0, 32767, -32768}
	if len(samples) != len(expected) {
		t.Fatalf("Expected %d samples, got %d", len(expected), len(samples))
	}
	for i, exp := range expected {
		if samples[i] != exp {
			t.Errorf("Expected sample %d at index %d, got %d", exp, i, samples[i])
		}
	}
}

func TestCalculateRMS(t *testing.T) {
	samples := []int16{1000, -1000, 2000, -2000}
	rms := CalculateRMS(samples)

	expected := math.Sqrt((1000000 + 1000000 + 4000000 + 4000000) / 4.0)
	if math.Abs(rms-expected) > 0.1 {
		t.Errorf("Expected RMS %.2f, got %.2f", expected, rms)
	}
}

func TestCalculateRMS_Empty(t *testing.T) {
	if rms := CalculateRMS(nil); rms != 0.0 {
		t.Errorf("Expected RMS 0.0 for empty slice, got %.2f", rms)
	}
}
