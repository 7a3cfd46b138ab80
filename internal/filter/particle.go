package filter

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

const seedMix = 0x9e3779b97f4a7c15

// kernelDiscount sets the Liu-West shrinkage applied after resampling.
// Values near one jitter less.
const kernelDiscount = 0.95

// particleBackend owns the random source shared by every track's particle
// set. It is only used from the goroutine driving the filter.
type particleBackend struct {
	cfg Config
	rng *rand.Rand
}

func newParticleBackend(cfg Config) *particleBackend {
	b := &particleBackend{cfg: cfg}
	b.reset()
	return b
}

func (b *particleBackend) reset() {
	b.rng = rand.New(rand.NewPCG(b.cfg.Seed, b.cfg.Seed^seedMix))
}

func (b *particleBackend) spawn(z r3.Vec) estimator {
	n := b.cfg.Particles
	pf := &particles{
		rng:     b.rng,
		q:       b.cfg.ProcessNoise,
		r:       b.cfg.MeasurementNoise,
		states:  make([][stateDim]float64, n),
		weights: make([]float64, n),
	}
	pf.scatter(z)
	return pf
}

// particles is a bootstrap particle filter over the constant-velocity
// state. Weights are kept normalised.
type particles struct {
	rng *rand.Rand
	q   float64
	r   float64

	states  [][stateDim]float64
	weights []float64
}

// scatter draws a fresh particle cloud around z with velocities near rest.
// The velocity spread follows the process noise: a target the model expects
// to accelerate slowly is not seeded with fast particles.
func (pf *particles) scatter(z r3.Vec) {
	posSD := math.Sqrt(pf.r)
	velSD := math.Sqrt(pf.q)
	for i := range pf.states {
		s := &pf.states[i]
		s[0] = z.X + posSD*pf.rng.NormFloat64()
		s[1] = z.Y + posSD*pf.rng.NormFloat64()
		s[2] = z.Z + posSD*pf.rng.NormFloat64()
		s[3] = velSD * pf.rng.NormFloat64()
		s[4] = velSD * pf.rng.NormFloat64()
		s[5] = velSD * pf.rng.NormFloat64()
	}
	uniform(pf.weights)
}

func (pf *particles) predict(dt float64) {
	if dt == 0 {
		return
	}
	accSD := math.Sqrt(pf.q)
	for i := range pf.states {
		s := &pf.states[i]
		for k := 0; k < measDim; k++ {
			a := accSD * pf.rng.NormFloat64()
			s[k] += s[k+measDim]*dt + 0.5*a*dt*dt
			s[k+measDim] += a * dt
		}
	}
}

func (pf *particles) correct(z r3.Vec) {
	inv := -0.5 / pf.r
	for i := range pf.states {
		s := &pf.states[i]
		dx, dy, dz := z.X-s[0], z.Y-s[1], z.Z-s[2]
		pf.weights[i] *= math.Exp(inv * (dx*dx + dy*dy + dz*dz))
	}
	sum := floats.Sum(pf.weights)
	if sum == 0 || math.IsNaN(sum) {
		// Every particle is far from z: the cloud has lost the object.
		pf.scatter(z)
		return
	}
	floats.Scale(1/sum, pf.weights)

	n := float64(len(pf.weights))
	if neff := 1 / floats.Dot(pf.weights, pf.weights); neff < n/2 {
		pf.resample()
	}
}

// resample performs systematic resampling.
func (pf *particles) resample() {
	n := len(pf.states)
	cdf := make([]float64, n)
	floats.CumSum(cdf, pf.weights)

	out := make([][stateDim]float64, n)
	step := 1 / float64(n)
	u := pf.rng.Float64() * step
	j := 0
	for i := range out {
		for j < n-1 && cdf[j] < u {
			j++
		}
		out[i] = pf.states[j]
		u += step
	}
	pf.states = out
	uniform(pf.weights)
	pf.regularise()
}

// regularise shrinks each resampled particle towards the cloud mean and
// adds Gaussian jitter, keeping the mean and variance of every state
// component while separating duplicated particles.
func (pf *particles) regularise() {
	a := (3*kernelDiscount - 1) / (2 * kernelDiscount)
	h := math.Sqrt(1 - a*a)

	col := make([]float64, len(pf.states))
	for k := 0; k < stateDim; k++ {
		for i, s := range pf.states {
			col[i] = s[k]
		}
		mean, sd := stat.PopMeanStdDev(col, nil)
		for i := range pf.states {
			s := &pf.states[i]
			s[k] = a*s[k] + (1-a)*mean + h*sd*pf.rng.NormFloat64()
		}
	}
}

func (pf *particles) mean() [stateDim]float64 {
	var m [stateDim]float64
	for i, s := range pf.states {
		w := pf.weights[i]
		for k := range m {
			m[k] += w * s[k]
		}
	}
	return m
}

func (pf *particles) position() r3.Vec {
	m := pf.mean()
	return r3.Vec{X: m[0], Y: m[1], Z: m[2]}
}

func (pf *particles) velocity() r3.Vec {
	m := pf.mean()
	return r3.Vec{X: m[3], Y: m[4], Z: m[5]}
}

// innovation is the weighted covariance of particle positions plus R.
func (pf *particles) innovation() *mat.SymDense {
	m := pf.mean()
	s := mat.NewSymDense(measDim, nil)
	for i, st := range pf.states {
		w := pf.weights[i]
		for a := 0; a < measDim; a++ {
			for b := a; b < measDim; b++ {
				s.SetSym(a, b, s.At(a, b)+w*(st[a]-m[a])*(st[b]-m[b]))
			}
		}
	}
	for a := 0; a < measDim; a++ {
		s.SetSym(a, a, s.At(a, a)+pf.r)
	}
	return s
}

func uniform(w []float64) {
	for i := range w {
		w[i] = 1 / float64(len(w))
	}
}
