package numdiff

import (
	"errors"
	"math"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var cubeEps = math.Pow(math.Nextafter(1, 2)-1, float64(1)/3)

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use the second order accuracy central difference.
	Central
)

// GradSpec represents a numerical differentiation algorithm to estimate the
// gradient of a scalar objective function.
//
// # Reference:
//
//   - https://en.wikipedia.org/wiki/Finite_difference
//   - https://github.com/scipy/scipy/blob/main/scipy/optimize/_numdiff.py
//
// # License
//
//   - https://github.com/scipy/scipy/blob/main/LICENSE.txt
type GradSpec struct {
	N int
	// Objective function of which to estimate the gradient.
	// The argument x passed to this function is an n-vector.
	Object func(x []float64) float64
	// Finite difference method to use.
	Method Method
	// Relative step size used to compute absolute step size.
	// The default absolute step size is computed as h = RelStep * sign(x0) * max(1, abs(x0)) with RelStep being selected automatically.
	// Otherwise, absolute step size is computed as h = RelStep * sign(x0) * abs(x0) when RelStep is provided.
	RelStep float64
	// Absolute step size to use. The RelStep is used when AbsStep is not provided.
	// For Central method the sign of AbsStep is ignored.
	AbsStep float64
	gradCtx
}

type gradCtx struct {
	absStep []float64
}

// Check the parameters and initialize gradCtx.
func (gs *GradSpec) Check(x0, grad []float64) (err error) {

	switch {
	case gs.N <= 0:
		err = errors.New("negative dimensions")
	case gs.Method != Forward && gs.Method != Central:
		err = errors.New("unknown method")
	case gs.Object == nil:
		err = errors.New("object function is required")
	case gs.N != len(x0):
		return errors.New("invalid x0 dimensions")
	case gs.N != len(grad):
		return errors.New("invalid grad dimensions")
	}

	if len(gs.absStep) != gs.N {
		gs.absStep = make([]float64, gs.N)
	}
	return
}

// Grad calculates the gradient approximation by finite differences.
func (gs *GradSpec) Grad(x0, grad []float64) error {

	if err := gs.Check(x0, grad); err != nil {
		return err
	}

	gs.absoluteStep(x0)

	if gs.Method == Central {
		gs.approxCentral(x0, grad)
	} else {
		gs.approxForward(x0, grad)
	}

	return nil
}

func (gs *GradSpec) absoluteStep(x0 []float64) {
	h := gs.absStep
	if len(h) != len(x0) {
		panic("bound check error")
	}

	var eps float64
	switch gs.Method {
	case Forward:
		eps = sqrtEps
	case Central:
		eps = cubeEps
	default:
		panic("unknown method")
	}

	abs := gs.AbsStep
	rel := gs.RelStep
	if abs == 0 && rel == 0 {
		for i, v := range x0 {
			h[i] = math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
		}
	} else {
		for i, v := range x0 {
			s := abs
			if s == 0 {
				s = math.Copysign(rel, v) * math.Abs(v)
			}
			// Make sure the step is representable at x0.
			d := (v + s) - v
			if d == 0 {
				s = math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
			}
			h[i] = s
		}
	}

	if gs.Method == Central {
		for i, v := range h {
			h[i] = math.Abs(v)
		}
	}
}

func (gs *GradSpec) approxForward(x0, grad []float64) {

	h := gs.absStep
	if len(h) != len(x0) || len(h) != len(grad) {
		panic("bound check error")
	}

	fun := gs.Object
	i, t := 0, x0[0]
	// The objective may panic mid-probe, put the perturbed point
	// back before unwinding.
	defer func() {
		if r := recover(); r != nil {
			x0[i] = t
			panic(r)
		}
	}()

	f0 := fun(x0)
	for i = 0; i < len(h); i++ {
		t = x0[i]
		x0[i] = t + h[i]
		fx := fun(x0)
		grad[i] = (fx - f0) / h[i]
		x0[i] = t
	}
}

func (gs *GradSpec) approxCentral(x0, grad []float64) {

	h := gs.absStep
	if len(h) != len(x0) || len(h) != len(grad) {
		panic("bound check error")
	}

	fun := gs.Object
	i, t := 0, x0[0]
	// The objective may panic mid-probe, put the perturbed point
	// back before unwinding.
	defer func() {
		if r := recover(); r != nil {
			x0[i] = t
			panic(r)
		}
	}()

	for i = 0; i < len(h); i++ {
		t = x0[i]
		s := h[i]
		x0[i] = t - s
		f1 := fun(x0)
		x0[i] = t + s
		f2 := fun(x0)
		grad[i] = (f2 - f1) / (2 * s)
		x0[i] = t
	}
}
