package numdiff

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func objTrig(x []float64) float64 {
	return x[0]*math.Sin(x[1]) + x[1]*math.Cos(x[0])
}

func gradTrig(x []float64) []float64 {
	return []float64{
		math.Sin(x[1]) - x[1]*math.Sin(x[0]),
		x[0]*math.Cos(x[1]) + math.Cos(x[0]),
	}
}

func objQuartic(x []float64) float64 {
	return math.Pow(x[0], 4)
}

func TestGradCheck(t *testing.T) {

	grad := make([]float64, 2)

	gs := GradSpec{N: 0, Object: objTrig}
	require.Error(t, gs.Check([]float64{}, grad))

	gs = GradSpec{N: 2}
	require.Error(t, gs.Check([]float64{1, 2}, grad))

	gs = GradSpec{N: 2, Object: objTrig, Method: Method(7)}
	require.Error(t, gs.Check([]float64{1, 2}, grad))

	gs = GradSpec{N: 2, Object: objTrig}
	require.Error(t, gs.Check([]float64{1}, grad))
	require.Error(t, gs.Check([]float64{1, 2}, grad[:1]))
	require.NoError(t, gs.Check([]float64{1, 2}, grad))
}

func TestGradForward(t *testing.T) {

	points := [][]float64{
		{1, 1},
		{-2.5, 0.3},
		{0, 0},
		{100, -100},
	}

	gs := GradSpec{N: 2, Object: objTrig, Method: Forward}
	grad := make([]float64, 2)

	for _, x0 := range points {
		expect := gradTrig(x0)
		require.NoError(t, gs.Grad(x0, grad))
		for i := range grad {
			require.InDelta(t, expect[i], grad[i], 1e-5*math.Max(1, math.Abs(expect[i])))
		}
	}
}

func TestGradCentral(t *testing.T) {

	points := [][]float64{
		{1, 1},
		{-2.5, 0.3},
		{0, 0},
	}

	gs := GradSpec{N: 2, Object: objTrig, Method: Central}
	grad := make([]float64, 2)

	for _, x0 := range points {
		expect := gradTrig(x0)
		require.NoError(t, gs.Grad(x0, grad))
		for i := range grad {
			require.InDelta(t, expect[i], grad[i], 1e-7*math.Max(1, math.Abs(expect[i])))
		}
	}
}

// The evaluation points must be restored after differentiation so the caller
// can keep using x0 as the current iterate.
func TestGradRestoresPoint(t *testing.T) {

	x0 := []float64{2, -3}
	saved := []float64{2, -3}
	grad := make([]float64, 2)

	for _, method := range []Method{Forward, Central} {
		gs := GradSpec{N: 2, Object: objTrig, Method: method}
		require.NoError(t, gs.Grad(x0, grad))
		require.Equal(t, saved, x0)
	}
}

// A panic inside the objective must not leave the probe perturbation behind.
func TestGradRestoresPointOnPanic(t *testing.T) {

	x0 := []float64{2, -3}
	saved := []float64{2, -3}
	grad := make([]float64, 2)

	for _, method := range []Method{Forward, Central} {
		calls := 0
		obj := func(x []float64) float64 {
			if calls++; calls > 2 {
				panic("no value here")
			}
			return objTrig(x)
		}
		gs := GradSpec{N: 2, Object: obj, Method: method}
		require.Panics(t, func() { _ = gs.Grad(x0, grad) })
		require.Equal(t, saved, x0)
	}
}

func TestGradCustomStep(t *testing.T) {

	grad := make([]float64, 1)

	// f'(x) = 4x³ = 32 at x = 2
	gs := GradSpec{N: 1, Object: objQuartic, Method: Central, AbsStep: 1e-4}
	require.NoError(t, gs.Grad([]float64{2}, grad))
	require.InDelta(t, 32, grad[0], 1e-5)

	gs = GradSpec{N: 1, Object: objQuartic, Method: Central, RelStep: 1e-5}
	require.NoError(t, gs.Grad([]float64{2}, grad))
	require.InDelta(t, 32, grad[0], 1e-5)

	// A step too small to be representable falls back to the automatic one.
	gs = GradSpec{N: 1, Object: objQuartic, Method: Forward, AbsStep: 1e-300}
	require.NoError(t, gs.Grad([]float64{2}, grad))
	require.InDelta(t, 32, grad[0], 1e-3)
}
