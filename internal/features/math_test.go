package features

import (
	"math"
	"testing"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		v, lo, hi, want float64
	}{
		{50, 0, 100, 50},
		{-5, 0, 100, 0},
		{150, 0, 100, 100},
		{0, 0, 100, 0},
		{100, 0, 100, 100},
	}
	for _, tt := range tests {
		if got := Clamp(tt.v, tt.lo, tt.hi); got != tt.want {
			t.Errorf("Clamp(%f, %f, %f) = %f, want %f", tt.v, tt.lo, tt.hi, got, tt.want)
		}
	}
}

func TestHaversineKm(t *testing.T) {
	// Mumbai to Delhi, roughly 1150 km.
	d := HaversineKm(19.0760, 72.8777, 28.7041, 77.1025)
	if d < 1100 || d > 1200 {
		t.Errorf("Mumbai-Delhi distance = %f, want ~1150", d)
	}

	// Same point.
	if d := HaversineKm(10, 10, 10, 10); d != 0 {
		t.Errorf("zero distance = %f", d)
	}
}

func TestIQRFences(t *testing.T) {
	values := []float64{100, 102, 98, 101, 99, 103, 97, 100}
	lower, upper := IQRFences(values)
	if lower >= 97 || upper <= 103 {
		t.Errorf("fences (%f, %f) should bracket the sample", lower, upper)
	}
	// A far outlier must fall outside.
	if 500 < upper {
		t.Error("expected 500 to exceed the upper fence")
	}

	// Too few observations: fences are unbounded.
	lower, upper = IQRFences([]float64{1, 2, 3})
	if !math.IsInf(lower, -1) || !math.IsInf(upper, 1) {
		t.Error("expected unbounded fences for n < 4")
	}
}

func TestMeanStddev(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	m := Mean(values)
	if m != 5 {
		t.Errorf("mean = %f, want 5", m)
	}
	sd := Stddev(values, m)
	if sd < 2.1 || sd > 2.2 {
		t.Errorf("sample stddev = %f, want ~2.14", sd)
	}

	if Mean(nil) != 0 {
		t.Error("empty mean should be 0")
	}
	if Stddev([]float64{5}, 5) != 0 {
		t.Error("single-observation stddev should be 0")
	}
}
