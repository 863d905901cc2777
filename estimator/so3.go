package estimator

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// G is standard gravity in m/s^2.
const G = 9.81

// Identity is the identity rotation.
var Identity = quat.Number{Real: 1}

// Exp maps a rotation vector to a unit quaternion.
func Exp(v r3.Vector) quat.Number {
	theta := v.Norm()
	if theta < 1e-10 {
		return Normalize(quat.Number{Real: 1, Imag: v.X / 2, Jmag: v.Y / 2, Kmag: v.Z / 2})
	}
	k := math.Sin(theta/2) / theta
	return quat.Number{Real: math.Cos(theta / 2), Imag: v.X * k, Jmag: v.Y * k, Kmag: v.Z * k}
}

// Log maps a unit quaternion to its rotation vector.
func Log(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := v.Norm()
	if n < 1e-10 {
		return v.Mul(2)
	}
	return v.Mul(2 * math.Atan2(n, q.Real) / n)
}

// Normalize returns q scaled to unit length.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return Identity
	}
	return quat.Scale(1/n, q)
}

// Rotate applies q to v.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// RotateInverse applies the inverse of q to v.
func RotateInverse(q quat.Number, v r3.Vector) r3.Vector {
	return Rotate(quat.Conj(q), v)
}

// FromMatrix converts a row-major rotation matrix to a unit quaternion.
func FromMatrix(m [9]float64) quat.Number {
	trace := m[0] + m[4] + m[8]
	var q quat.Number
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m[7] - m[5]) * s, Jmag: (m[2] - m[6]) * s, Kmag: (m[3] - m[1]) * s}
	case m[0] > m[4] && m[0] > m[8]:
		s := 2 * math.Sqrt(1+m[0]-m[4]-m[8])
		q = quat.Number{Real: (m[7] - m[5]) / s, Imag: 0.25 * s, Jmag: (m[1] + m[3]) / s, Kmag: (m[2] + m[6]) / s}
	case m[4] > m[8]:
		s := 2 * math.Sqrt(1+m[4]-m[0]-m[8])
		q = quat.Number{Real: (m[2] - m[6]) / s, Imag: (m[1] + m[3]) / s, Jmag: 0.25 * s, Kmag: (m[5] + m[7]) / s}
	default:
		s := 2 * math.Sqrt(1+m[8]-m[0]-m[4])
		q = quat.Number{Real: (m[3] - m[1]) / s, Imag: (m[2] + m[6]) / s, Jmag: (m[5] + m[7]) / s, Kmag: 0.25 * s}
	}
	return Normalize(q)
}

// Matrix returns the 3x3 rotation matrix of q.
func Matrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	})
}

// Skew returns the cross product matrix of v.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

func setBlock(dst *mat.Dense, r, c int, src mat.Matrix) {
	rows, cols := src.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst.Set(r+i, c+j, src.At(i, j))
		}
	}
}

func addDiag(dst *mat.Dense, off int, v float64) {
	for i := 0; i < 3; i++ {
		dst.Set(off+i, off+i, dst.At(off+i, off+i)+v)
	}
}

func vec(v *mat.VecDense, off int) r3.Vector {
	return r3.Vector{X: v.AtVec(off), Y: v.AtVec(off + 1), Z: v.AtVec(off + 2)}
}

func setVec(dst *mat.VecDense, off int, v r3.Vector) {
	dst.SetVec(off, v.X)
	dst.SetVec(off+1, v.Y)
	dst.SetVec(off+2, v.Z)
}
