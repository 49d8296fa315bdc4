package stats

import (
	"math"
	"testing"
)

func repeat(v float64, n int) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = v
	}
	return xs
}

// spread returns n samples (n even) with the given mean and population standard deviation sd.
func spread(mean, sd float64, n int) []float64 {
	xs := make([]float64, 0, n)
	for i := 0; i < n/2; i++ {
		xs = append(xs, mean-sd, mean+sd)
	}
	return xs
}

func TestTwoSample_BelowMinimumSample(t *testing.T) {
	tests := []struct {
		name             string
		control, variant []float64
	}{
		{"both small", spread(3, 1, 10), spread(5, 0.5, 10)},
		{"control small", spread(1, 0.1, 29), spread(5, 0.1, 500)},
		{"variant small", spread(1, 0.1, 500), spread(5, 0.1, 28)},
		{"empty", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TwoSample(tt.control, tt.variant)
			if got.IsSignificant || got.Winner != WinnerTie || got.PValue != 1 {
				t.Errorf("TwoSample = %+v, want non-significant tie with p=1", got)
			}
		})
	}
}

func TestTwoSample_ClearVariantWin(t *testing.T) {
	control := spread(3, 1, 40)
	variant := spread(4, 1, 40)

	if m, sd := Mean(control), PopulationStdDev(control); m != 3 || sd != 1 {
		t.Fatalf("control fixture mean/sd = %v/%v, want 3/1", m, sd)
	}

	se := math.Sqrt(1.0/40 + 1.0/40)
	if math.Abs(se-0.2236) > 1e-4 {
		t.Fatalf("se = %v, want ~0.2236", se)
	}
	z := (4.0 - 3.0) / se
	if math.Abs(z-4.472) > 1e-3 {
		t.Fatalf("z = %v, want ~4.47", z)
	}

	got := TwoSample(control, variant)
	if !got.IsSignificant {
		t.Fatalf("expected significant result, got %+v", got)
	}
	if got.Winner != WinnerVariant {
		t.Errorf("Winner = %q, want variant", got.Winner)
	}
	if got.PValue >= 0.001 {
		t.Errorf("PValue = %v, want well below 0.05", got.PValue)
	}
	want := 2 * (1 - NormalCDF(z))
	if got.PValue != want {
		t.Errorf("PValue = %v, want %v", got.PValue, want)
	}
}

func TestTwoSample_ClearControlWin(t *testing.T) {
	got := TwoSample(spread(4.5, 0.5, 60), spread(3.5, 0.5, 60))
	if !got.IsSignificant || got.Winner != WinnerControl {
		t.Fatalf("TwoSample = %+v, want significant control win", got)
	}
}

func TestTwoSample_IdenticalSamples(t *testing.T) {
	samples := spread(3.5, 1.2, 50)
	got := TwoSample(samples, append([]float64(nil), samples...))

	if got.IsSignificant {
		t.Errorf("IsSignificant = true, want false")
	}
	if got.Winner != WinnerTie {
		t.Errorf("Winner = %q, want tie", got.Winner)
	}
	// Φ(0) from the approximation is 0.5 to within 1e-9.
	if math.Abs(got.PValue-1) > 1e-6 {
		t.Errorf("PValue = %v, want ~1", got.PValue)
	}
}

func TestTwoSample_ZeroStandardError(t *testing.T) {
	got := TwoSample(repeat(4, 30), repeat(4, 30))
	if got != noDifference {
		t.Errorf("TwoSample = %+v, want %+v", got, noDifference)
	}

	// Different constant arms still have se = 0 and are reported as a tie.
	got = TwoSample(repeat(2, 30), repeat(5, 30))
	if got != noDifference {
		t.Errorf("TwoSample(constant arms) = %+v, want %+v", got, noDifference)
	}
}

func TestTwoSample_SmallDifferenceNotSignificant(t *testing.T) {
	got := TwoSample(spread(3.0, 1.5, 40), spread(3.1, 1.5, 40))
	if got.IsSignificant {
		t.Fatalf("expected non-significant result, got %+v", got)
	}
	if got.Winner != WinnerTie {
		t.Errorf("Winner = %q, want tie", got.Winner)
	}
	if got.PValue <= Alpha || got.PValue > 1 {
		t.Errorf("PValue = %v, want in (0.05, 1]", got.PValue)
	}
}

func TestNormalCDF(t *testing.T) {
	tests := []struct {
		x, want float64
	}{
		{0, 0.5},
		{1, 0.8413447},
		{-1, 0.1586553},
		{1.959964, 0.975},
		{3, 0.9986501},
		{-3, 0.0013499},
	}
	for _, tt := range tests {
		got := NormalCDF(tt.x)
		// The approximation has absolute error below 1.5e-7 in erf.
		if math.Abs(got-tt.want) > 1e-6 {
			t.Errorf("NormalCDF(%v) = %v, want %v", tt.x, got, tt.want)
		}
	}
}

func TestNormalCDF_Symmetric(t *testing.T) {
	for _, x := range []float64{0.1, 0.5, 1.3, 2.7, 4.2} {
		if s := NormalCDF(x) + NormalCDF(-x); math.Abs(s-1) > 1e-12 {
			t.Errorf("Φ(%v)+Φ(-%v) = %v, want 1", x, x, s)
		}
	}
}

func TestMeanAndStdDev(t *testing.T) {
	if Mean(nil) != 0 || PopulationStdDev(nil) != 0 {
		t.Error("empty input should yield 0")
	}
	xs := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	if got := Mean(xs); got != 5 {
		t.Errorf("Mean = %v, want 5", got)
	}
	// Population (n) denominator: sqrt(32/8) = 2. The sample estimator would give ~2.138.
	if got := PopulationStdDev(xs); got != 2 {
		t.Errorf("PopulationStdDev = %v, want 2", got)
	}
}
