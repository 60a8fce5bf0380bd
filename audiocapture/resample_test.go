package audiocapture

import (
	"math"
	"testing"
)

func TestResampleIdentity(t *testing.T) {
	in := []float32{0.1, -0.2, 0.3, 0.5}
	out := Resample(in, 16000, 16000)

	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestResampleUpsampleTwoToOne(t *testing.T) {
	out := Resample([]float32{0.0, 1.0}, 8000, 16000)

	want := []float32{0.0, 0.5, 1.0}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-6 {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestResampleDownsample(t *testing.T) {
	in := []float32{0, 1, 2, 3, 4, 5, 6, 7, 8}
	out := Resample(in, 32000, 16000)

	// Every second sample survives a clean 2:1 downsample.
	want := []float32{0, 2, 4, 6, 8}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-6 {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestResampleEdgeCases(t *testing.T) {
	if out := Resample(nil, 8000, 16000); out != nil {
		t.Errorf("nil input should return nil, got %v", out)
	}
	out := Resample([]float32{0.7}, 8000, 16000)
	if len(out) != 1 || out[0] != 0.7 {
		t.Errorf("single sample = %v, want [0.7]", out)
	}
}

func TestDownmixMono(t *testing.T) {
	tests := []struct {
		name     string
		samples  []float32
		channels int
		want     []float32
	}{
		{
			name:     "stereo average",
			samples:  []float32{1.0, 0.0, 0.5, 0.5, -1.0, 1.0},
			channels: 2,
			want:     []float32{0.5, 0.5, 0.0},
		},
		{
			name:     "mono passthrough",
			samples:  []float32{0.1, 0.2},
			channels: 1,
			want:     []float32{0.1, 0.2},
		},
		{
			name:     "four channels",
			samples:  []float32{1, 1, 1, 1, 0, 0, 2, 2},
			channels: 4,
			want:     []float32{1, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DownmixMono(tt.samples, tt.channels)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if math.Abs(float64(got[i]-tt.want[i])) > 1e-6 {
					t.Errorf("got[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
