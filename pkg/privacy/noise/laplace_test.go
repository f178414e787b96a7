package noise

import (
	"math"
	"testing"
)

func TestGenerateInvalidArguments(t *testing.T) {
	g := NewGeneratorWithSeed(1)

	if _, err := g.Generate(1.0, 0, 0); err != ErrNonPositiveEpsilon {
		t.Errorf("epsilon=0 error = %v, want ErrNonPositiveEpsilon", err)
	}
	if _, err := g.Generate(1.0, -0.5, 0); err != ErrNonPositiveEpsilon {
		t.Errorf("negative epsilon error = %v, want ErrNonPositiveEpsilon", err)
	}
	if _, err := g.Generate(-1.0, 1.0, 0); err != ErrNegativeSensitivity {
		t.Errorf("negative sensitivity error = %v, want ErrNegativeSensitivity", err)
	}
}

func TestGenerateZeroSensitivity(t *testing.T) {
	g := NewGeneratorWithSeed(42)

	// Zero sensitivity must yield exactly zero regardless of RNG state.
	for i := 0; i < 1000; i++ {
		sample, err := g.Generate(0, 1.0, 0)
		if err != nil {
			t.Fatalf("Generate returned error: %v", err)
		}
		if sample != 0.0 {
			t.Fatalf("Generate with zero sensitivity = %v, want exactly 0", sample)
		}
	}
}

func TestNoiseCalibration(t *testing.T) {
	// Empirical stddev of many samples must converge to the analytic
	// value sqrt(2)*(sensitivity/epsilon) within 5%.
	g := NewGeneratorWithSeed(7)
	const (
		n           = 100000
		sensitivity = 1.0
		epsilon     = 0.5
	)

	var sum, sumSq float64
	for i := 0; i < n; i++ {
		sample, err := g.Generate(sensitivity, epsilon, 0)
		if err != nil {
			t.Fatalf("Generate returned error: %v", err)
		}
		sum += sample
		sumSq += sample * sample
	}

	mean := sum / n
	empiricalStdDev := math.Sqrt(sumSq/n - mean*mean)

	want, err := StdDev(sensitivity, epsilon)
	if err != nil {
		t.Fatalf("StdDev returned error: %v", err)
	}
	if ratio := empiricalStdDev / want; ratio < 0.95 || ratio > 1.05 {
		t.Errorf("empirical stddev %v vs analytic %v (ratio %v), want within 5%%",
			empiricalStdDev, want, ratio)
	}
	if math.Abs(mean) > 0.05*want {
		t.Errorf("empirical mean %v too far from 0", mean)
	}
}

func TestGenerateWithMean(t *testing.T) {
	g := NewGeneratorWithSeed(3)
	const mu = 10.0

	var sum float64
	const n = 50000
	for i := 0; i < n; i++ {
		sample, err := g.Generate(1.0, 1.0, mu)
		if err != nil {
			t.Fatalf("Generate returned error: %v", err)
		}
		sum += sample
	}
	if mean := sum / n; math.Abs(mean-mu) > 0.1 {
		t.Errorf("empirical mean %v, want close to %v", mean, mu)
	}
}

func TestAddNoiseClamping(t *testing.T) {
	g := NewGeneratorWithSeed(11)
	bounds := &Bounds{Min: 0, Max: 1}

	for i := 0; i < 1000; i++ {
		noisy, err := g.AddNoise(0.5, 1.0, 0.1, bounds)
		if err != nil {
			t.Fatalf("AddNoise returned error: %v", err)
		}
		if noisy < 0 || noisy > 1 {
			t.Fatalf("AddNoise result %v escaped bounds [0, 1]", noisy)
		}
	}
}

func TestAddNoiseUnbounded(t *testing.T) {
	g := NewGeneratorWithSeed(13)

	// With a huge scale some samples must land outside [0, 1] when no
	// bounds are supplied.
	escaped := false
	for i := 0; i < 1000; i++ {
		noisy, err := g.AddNoise(0.5, 1.0, 0.01, nil)
		if err != nil {
			t.Fatalf("AddNoise returned error: %v", err)
		}
		if noisy < 0 || noisy > 1 {
			escaped = true
			break
		}
	}
	if !escaped {
		t.Error("unbounded AddNoise with scale 100 never left [0, 1]; sampler looks broken")
	}
}

func TestGenerateBounded(t *testing.T) {
	g := NewGeneratorWithSeed(17)
	bounds := Bounds{Min: -0.5, Max: 0.5}

	for i := 0; i < 1000; i++ {
		sample, err := g.GenerateBounded(1.0, 0.1, bounds)
		if err != nil {
			t.Fatalf("GenerateBounded returned error: %v", err)
		}
		if sample < bounds.Min || sample > bounds.Max {
			t.Fatalf("GenerateBounded result %v escaped %+v", sample, bounds)
		}
	}
}

func TestVarianceAndStdDev(t *testing.T) {
	v, err := Variance(2.0, 0.5)
	if err != nil {
		t.Fatalf("Variance returned error: %v", err)
	}
	// b = 4, variance = 2*16 = 32
	if math.Abs(v-32.0) > 1e-12 {
		t.Errorf("Variance(2, 0.5) = %v, want 32", v)
	}

	sd, err := StdDev(2.0, 0.5)
	if err != nil {
		t.Fatalf("StdDev returned error: %v", err)
	}
	if math.Abs(sd-math.Sqrt(32.0)) > 1e-12 {
		t.Errorf("StdDev(2, 0.5) = %v, want sqrt(32)", sd)
	}

	if _, err := Variance(1.0, 0); err == nil {
		t.Error("Variance with epsilon=0 should fail")
	}
}

func TestRequiredScale(t *testing.T) {
	pure, err := RequiredScale(1.0, 0.5, 0)
	if err != nil {
		t.Fatalf("RequiredScale returned error: %v", err)
	}
	if pure != 2.0 {
		t.Errorf("pure DP scale = %v, want 2.0", pure)
	}

	relaxed, err := RequiredScale(1.0, 0.5, 1e-5)
	if err != nil {
		t.Fatalf("RequiredScale returned error: %v", err)
	}
	if relaxed >= pure {
		t.Errorf("relaxed scale %v should be smaller than pure scale %v", relaxed, pure)
	}
	want := 1.0 / (0.5 + math.Log(1e5))
	if math.Abs(relaxed-want) > 1e-12 {
		t.Errorf("relaxed scale = %v, want %v", relaxed, want)
	}
}

func TestConcurrentGenerate(t *testing.T) {
	g := NewGenerator()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 1000; j++ {
				if _, err := g.Generate(1.0, 1.0, 0); err != nil {
					t.Errorf("Generate returned error: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
