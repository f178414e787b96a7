// Package noise implements the Laplace mechanism used by the differential
// privacy engine.
//
// Samples are drawn by inverse-CDF transform of a uniform variate. The
// scale b = Δf/ε calibrates the noise so a query with sensitivity Δf
// released with one sample satisfies ε-differential privacy.
package noise

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	// ErrNonPositiveEpsilon is returned when epsilon is zero or negative.
	ErrNonPositiveEpsilon = errors.New("epsilon must be positive")

	// ErrNegativeSensitivity is returned when sensitivity is negative.
	ErrNegativeSensitivity = errors.New("sensitivity must not be negative")
)

// Generator produces Laplace-distributed noise. Each Generator owns its own
// PRNG guarded by a mutex, so independent generators never contend and a
// shared generator is safe for concurrent draws.
type Generator struct {
	rng *rand.Rand
	mu  sync.Mutex
}

// NewGenerator creates a noise generator seeded from the current time.
func NewGenerator() *Generator {
	return &Generator{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewGeneratorWithSeed creates a deterministic generator for tests and
// calibration runs.
func NewGeneratorWithSeed(seed int64) *Generator {
	return &Generator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Generate draws one Laplace(mu, sensitivity/epsilon) sample.
//
// A zero sensitivity means the query result does not depend on any single
// individual, so no randomization is needed and exactly 0 is returned
// without touching the PRNG. The uniform draw excludes both endpoints to
// keep ln(0) out of the transform.
func (g *Generator) Generate(sensitivity, epsilon, mu float64) (float64, error) {
	if epsilon <= 0 {
		return 0, ErrNonPositiveEpsilon
	}
	if sensitivity < 0 {
		return 0, ErrNegativeSensitivity
	}
	if sensitivity == 0 {
		return 0, nil
	}

	u := g.uniformOpen()
	b := sensitivity / epsilon

	// Inverse CDF of Laplace(mu, b): shift u to (-0.5, 0.5) and invert.
	shifted := u - 0.5
	return mu - b*sign(shifted)*math.Log(1-2*math.Abs(shifted)), nil
}

// AddNoise adds a zero-mean Laplace sample to value. When bounds are
// supplied the result is clamped into [min, max].
//
// Clamping is a post-hoc projection: it biases the output distribution near
// the bounds and the formal ε-DP guarantee degrades slightly. That is an
// accepted trade-off, since downstream consumers require confidences to
// stay in their domain.
func (g *Generator) AddNoise(value, sensitivity, epsilon float64, bounds *Bounds) (float64, error) {
	sample, err := g.Generate(sensitivity, epsilon, 0)
	if err != nil {
		return 0, err
	}
	noisy := value + sample
	if bounds != nil {
		noisy = bounds.Clamp(noisy)
	}
	return noisy, nil
}

// GenerateBounded draws a sample and clamps it into the given bounds. The
// bounds are independent of any value being protected.
func (g *Generator) GenerateBounded(sensitivity, epsilon float64, bounds Bounds) (float64, error) {
	sample, err := g.Generate(sensitivity, epsilon, 0)
	if err != nil {
		return 0, err
	}
	return bounds.Clamp(sample), nil
}

// uniformOpen draws from the open interval (0, 1). rand.Float64 can return
// exactly 0; resample until the draw is interior.
func (g *Generator) uniformOpen() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		u := g.rng.Float64()
		if u > 0 && u < 1 {
			return u
		}
	}
}

// Bounds is an inclusive clamping interval.
type Bounds struct {
	Min float64
	Max float64
}

// Clamp projects v into the interval.
func (b Bounds) Clamp(v float64) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

// Variance returns the analytic variance 2b² of Laplace noise with scale
// b = sensitivity/epsilon. Used for calibration and tests.
func Variance(sensitivity, epsilon float64) (float64, error) {
	if epsilon <= 0 {
		return 0, ErrNonPositiveEpsilon
	}
	if sensitivity < 0 {
		return 0, ErrNegativeSensitivity
	}
	b := sensitivity / epsilon
	return 2 * b * b, nil
}

// StdDev returns the analytic standard deviation √(2b²) of the noise.
func StdDev(sensitivity, epsilon float64) (float64, error) {
	v, err := Variance(sensitivity, epsilon)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(v), nil
}

// RequiredScale returns the Laplace scale needed for the given privacy
// parameters. Pure ε-DP (delta == 0) needs b = Δf/ε. For delta > 0 a
// relaxed, smaller scale Δf/(ε + ln(1/δ)) is returned.
//
// The relaxed form is an approximation used for budget planning, not a
// rigorous (ε, δ)-DP derivation; callers needing formal (ε, δ) guarantees
// should use a Gaussian mechanism instead.
func RequiredScale(sensitivity, epsilon, delta float64) (float64, error) {
	if epsilon <= 0 {
		return 0, ErrNonPositiveEpsilon
	}
	if sensitivity < 0 {
		return 0, ErrNegativeSensitivity
	}
	if delta <= 0 {
		return sensitivity / epsilon, nil
	}
	return sensitivity / (epsilon + math.Log(1/delta)), nil
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	if v > 0 {
		return 1
	}
	return 0
}
