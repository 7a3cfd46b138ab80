package filter

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Sigma-point spread. With alpha=1 and kappa=0, lambda is zero and the
// points sit at ±sqrt(n)·σ along each principal axis.
const (
	ukfAlpha = 1.0
	ukfBeta  = 2.0
	ukfKappa = 0.0

	// ukfJitter is added to the covariance diagonal when the Cholesky
	// factorisation fails on a nearly singular matrix.
	ukfJitter = 1e-9
)

type ukfBackend struct {
	cfg Config
}

func (b ukfBackend) spawn(z r3.Vec) estimator {
	x, p := initialState(z, b.cfg.MeasurementNoise)
	u := &ukf{x: x, p: p, q: b.cfg.ProcessNoise, r: measurementNoise(b.cfg.MeasurementNoise)}
	u.weights()
	return u
}

func (ukfBackend) reset() {}

type ukf struct {
	x *mat.VecDense
	p *mat.SymDense
	q float64
	r *mat.SymDense

	wm, wc []float64
	lambda float64
}

func (u *ukf) weights() {
	n := float64(stateDim)
	u.lambda = ukfAlpha*ukfAlpha*(n+ukfKappa) - n
	count := 2*stateDim + 1
	u.wm = make([]float64, count)
	u.wc = make([]float64, count)
	u.wm[0] = u.lambda / (n + u.lambda)
	u.wc[0] = u.wm[0] + (1 - ukfAlpha*ukfAlpha + ukfBeta)
	for i := 1; i < count; i++ {
		u.wm[i] = 1 / (2 * (n + u.lambda))
		u.wc[i] = u.wm[i]
	}
}

// sigmaPoints returns 2n+1 points around x spread by sqrt((n+λ)P).
func (u *ukf) sigmaPoints() []*mat.VecDense {
	l := sqrtCov(u.p, float64(stateDim)+u.lambda)
	pts := make([]*mat.VecDense, 0, 2*stateDim+1)
	pts = append(pts, mat.VecDenseCopyOf(u.x))
	for sign := 1.0; sign >= -1; sign -= 2 {
		for i := 0; i < stateDim; i++ {
			pt := mat.VecDenseCopyOf(u.x)
			pt.AddScaledVec(pt, sign, l.ColView(i))
			pts = append(pts, pt)
		}
	}
	return pts
}

func (u *ukf) predict(dt float64) {
	f := transition(dt)
	pts := u.sigmaPoints()
	for _, pt := range pts {
		pt.MulVec(f, mat.VecDenseCopyOf(pt))
	}
	u.x = weightedMean(pts, u.wm)
	p := weightedCov(pts, u.x, pts, u.x, u.wc)
	p.Add(p, processNoise(u.q, dt))
	u.p = symmetric(p)
}

// measure projects the sigma points through h and returns them with their
// weighted mean.
func (u *ukf) measure(pts []*mat.VecDense) ([]*mat.VecDense, *mat.VecDense) {
	zs := make([]*mat.VecDense, len(pts))
	for i, pt := range pts {
		zs[i] = r3Vec(vecPos(pt))
	}
	return zs, weightedMean(zs, u.wm)
}

func (u *ukf) innovation() *mat.SymDense {
	_, s := u.innovationFrom(u.sigmaPoints())
	return s
}

func (u *ukf) innovationFrom(pts []*mat.VecDense) (*mat.VecDense, *mat.SymDense) {
	zs, zhat := u.measure(pts)
	s := weightedCov(zs, zhat, zs, zhat, u.wc)
	s.Add(s, u.r)
	return zhat, symmetric(s)
}

func (u *ukf) correct(z r3.Vec) {
	pts := u.sigmaPoints()
	zs, _ := u.measure(pts)
	zhat, s := u.innovationFrom(pts)
	pxz := weightedCov(pts, u.x, zs, zhat, u.wc)

	var chol mat.Cholesky
	if !chol.Factorize(s) {
		return
	}
	// K = Pxz S⁻¹, solved as S Kᵀ = Pxzᵀ.
	var kT mat.Dense
	if err := chol.SolveTo(&kT, pxz.T()); err != nil {
		return
	}
	k := kT.T()

	var y, dx mat.VecDense
	y.SubVec(r3Vec(z), zhat)
	dx.MulVec(k, &y)
	u.x.AddVec(u.x, &dx)

	// P = P - K S Kᵀ
	var ks, kskT mat.Dense
	ks.Mul(k, s)
	kskT.Mul(&ks, &kT)
	var p mat.Dense
	p.Sub(u.p, &kskT)
	u.p = symmetric(&p)
}

func (u *ukf) position() r3.Vec { return vecPos(u.x) }
func (u *ukf) velocity() r3.Vec { return vecVel(u.x) }

// sqrtCov returns the lower Cholesky factor of scale·p. Failing
// factorisations are retried with diagonal jitter and finally fall back to
// the element-wise square root of the diagonal.
func sqrtCov(p *mat.SymDense, scale float64) *mat.Dense {
	n := p.SymmetricDim()
	scaled := mat.NewSymDense(n, nil)
	scaled.ScaleSym(scale, p)

	var chol mat.Cholesky
	ok := chol.Factorize(scaled)
	if !ok {
		for i := 0; i < n; i++ {
			scaled.SetSym(i, i, scaled.At(i, i)+ukfJitter)
		}
		ok = chol.Factorize(scaled)
	}
	out := mat.NewDense(n, n, nil)
	if !ok {
		for i := 0; i < n; i++ {
			out.Set(i, i, math.Sqrt(math.Max(scaled.At(i, i), 0)))
		}
		return out
	}
	var l mat.TriDense
	chol.LTo(&l)
	out.Copy(&l)
	return out
}

func weightedMean(pts []*mat.VecDense, w []float64) *mat.VecDense {
	out := mat.NewVecDense(pts[0].Len(), nil)
	for i, pt := range pts {
		out.AddScaledVec(out, w[i], pt)
	}
	return out
}

// weightedCov returns Σ wᵢ (aᵢ - ā)(bᵢ - b̄)ᵀ.
func weightedCov(a []*mat.VecDense, abar *mat.VecDense, b []*mat.VecDense, bbar *mat.VecDense, w []float64) *mat.Dense {
	out := mat.NewDense(abar.Len(), bbar.Len(), nil)
	var da, db mat.VecDense
	for i := range a {
		da.SubVec(a[i], abar)
		db.SubVec(b[i], bbar)
		out.RankOne(out, w[i], &da, &db)
	}
	return out
}
