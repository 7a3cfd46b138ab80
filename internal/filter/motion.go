package filter

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// State vector layout shared by the Kalman backends: [px py pz vx vy vz].
const (
	stateDim = 6
	measDim  = 3

	// initialVelocityVariance is the velocity uncertainty of a new track,
	// which starts at rest (m²/s²).
	initialVelocityVariance = 1.0
)

// transition returns F for the constant-velocity model over dt.
func transition(dt float64) *mat.Dense {
	f := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		f.Set(i, i, 1)
	}
	for i := 0; i < measDim; i++ {
		f.Set(i, i+measDim, dt)
	}
	return f
}

// processNoise returns the discrete white-noise-acceleration Q over dt.
func processNoise(q, dt float64) *mat.SymDense {
	dt2 := dt * dt
	qpp := q * dt2 * dt2 / 4
	qpv := q * dt2 * dt / 2
	qvv := q * dt2
	s := mat.NewSymDense(stateDim, nil)
	for i := 0; i < measDim; i++ {
		s.SetSym(i, i, qpp)
		s.SetSym(i, i+measDim, qpv)
		s.SetSym(i+measDim, i+measDim, qvv)
	}
	return s
}

// observation returns H, which extracts position from the state.
func observation() *mat.Dense {
	h := mat.NewDense(measDim, stateDim, nil)
	for i := 0; i < measDim; i++ {
		h.Set(i, i, 1)
	}
	return h
}

func measurementNoise(r float64) *mat.SymDense {
	s := mat.NewSymDense(measDim, nil)
	for i := 0; i < measDim; i++ {
		s.SetSym(i, i, r)
	}
	return s
}

// initialState places a new track at z, at rest.
func initialState(z r3.Vec, measVar float64) (*mat.VecDense, *mat.SymDense) {
	x := mat.NewVecDense(stateDim, []float64{z.X, z.Y, z.Z, 0, 0, 0})
	p := mat.NewSymDense(stateDim, nil)
	for i := 0; i < measDim; i++ {
		p.SetSym(i, i, measVar)
		p.SetSym(i+measDim, i+measDim, initialVelocityVariance)
	}
	return x, p
}

// symmetric returns (a + aᵀ)/2 of a square matrix.
func symmetric(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, (a.At(i, j)+a.At(j, i))/2)
		}
	}
	return s
}

func vecPos(x mat.Vector) r3.Vec {
	return r3.Vec{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
}

func vecVel(x mat.Vector) r3.Vec {
	return r3.Vec{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)}
}

func r3Vec(v r3.Vec) *mat.VecDense {
	return mat.NewVecDense(measDim, []float64{v.X, v.Y, v.Z})
}
