package filter

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

type ekfBackend struct {
	cfg Config
}

func (b ekfBackend) spawn(z r3.Vec) estimator {
	x, p := initialState(z, b.cfg.MeasurementNoise)
	return &ekf{x: x, p: p, q: b.cfg.ProcessNoise, r: measurementNoise(b.cfg.MeasurementNoise)}
}

func (ekfBackend) reset() {}

// ekf linearises the motion and measurement models about the current
// estimate. Both are linear for constant velocity, so the Jacobians are
// exact and this reduces to the classic Kalman recursion.
type ekf struct {
	x *mat.VecDense
	p *mat.SymDense
	q float64
	r *mat.SymDense
}

func (e *ekf) predict(dt float64) {
	f := transition(dt)

	var x mat.VecDense
	x.MulVec(f, e.x)
	e.x = &x

	var fp, fpf mat.Dense
	fp.Mul(f, e.p)
	fpf.Mul(&fp, f.T())
	fpf.Add(&fpf, processNoise(e.q, dt))
	e.p = symmetric(&fpf)
}

func (e *ekf) innovation() *mat.SymDense {
	h := observation()
	var hp, hph mat.Dense
	hp.Mul(h, e.p)
	hph.Mul(&hp, h.T())
	hph.Add(&hph, e.r)
	return symmetric(&hph)
}

func (e *ekf) correct(z r3.Vec) {
	h := observation()
	s := e.innovation()

	var chol mat.Cholesky
	if !chol.Factorize(s) {
		return
	}

	// K = P Hᵀ S⁻¹, computed as (S⁻¹ H P)ᵀ since S and P are symmetric.
	var hp mat.Dense
	hp.Mul(h, e.p)
	var khT mat.Dense
	if err := chol.SolveTo(&khT, &hp); err != nil {
		return
	}
	k := khT.T()

	var y mat.VecDense
	y.MulVec(h, e.x)
	y.SubVec(r3Vec(z), &y)

	var dx mat.VecDense
	dx.MulVec(k, &y)
	e.x.AddVec(e.x, &dx)

	// P = P - K H P
	var khp mat.Dense
	khp.Mul(k, &hp)
	var p mat.Dense
	p.Sub(e.p, &khp)
	e.p = symmetric(&p)
}

func (e *ekf) position() r3.Vec { return vecPos(e.x) }
func (e *ekf) velocity() r3.Vec { return vecVel(e.x) }
