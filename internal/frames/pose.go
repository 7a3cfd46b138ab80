// Package frames resolves poses between named coordinate frames.
//
// A Transform maps coordinates expressed in a child frame into its parent
// frame. A Tree stores the parent/child edges and answers lookups between
// any two connected frames.
package frames

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a position with an optional orientation. A zero Orientation
// means "no orientation" and is treated as the identity rotation.
type Pose struct {
	Position    r3.Vec
	Orientation quat.Number
}

// HasOrientation reports whether the pose carries a rotation.
func (p Pose) HasOrientation() bool {
	return p.Orientation != (quat.Number{})
}

// IsFinite reports whether every component of the pose is a finite number.
func (p Pose) IsFinite() bool {
	for _, v := range [...]float64{p.Position.X, p.Position.Y, p.Position.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return !quat.IsNaN(p.Orientation) && !quat.IsInf(p.Orientation)
}

// Transform is a rigid motion: rotate by Rotation, then add Translation.
type Transform struct {
	Translation r3.Vec
	Rotation    quat.Number
}

// Identity returns the transform that leaves poses unchanged.
func Identity() Transform {
	return Transform{Rotation: quat.Number{Real: 1}}
}

// FromXYZW builds a rotation quaternion from the (x, y, z, w) component
// order used on the wire.
func FromXYZW(x, y, z, w float64) quat.Number {
	return quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
}

// unit returns q normalised, or the identity rotation for a zero q.
func unit(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

func rotate(q quat.Number, v r3.Vec) r3.Vec {
	q = unit(q)
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// ApplyPoint maps a point from the child frame into the parent frame.
func (t Transform) ApplyPoint(v r3.Vec) r3.Vec {
	return r3.Add(rotate(t.Rotation, v), t.Translation)
}

// Apply maps a pose from the child frame into the parent frame. A pose
// without orientation stays without orientation.
func (t Transform) Apply(p Pose) Pose {
	out := Pose{Position: t.ApplyPoint(p.Position)}
	if p.HasOrientation() {
		out.Orientation = quat.Mul(unit(t.Rotation), unit(p.Orientation))
	}
	return out
}

// Compose returns the transform equivalent to applying u first, then t.
func (t Transform) Compose(u Transform) Transform {
	return Transform{
		Translation: r3.Add(rotate(t.Rotation, u.Translation), t.Translation),
		Rotation:    quat.Mul(unit(t.Rotation), unit(u.Rotation)),
	}
}

// Inverse returns the transform mapping parent coordinates back into
// the child frame.
func (t Transform) Inverse() Transform {
	inv := quat.Conj(unit(t.Rotation))
	return Transform{
		Translation: r3.Scale(-1, rotate(inv, t.Translation)),
		Rotation:    inv,
	}
}
