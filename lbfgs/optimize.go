// Copyright ©2026 optimgo. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgs

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"time"

	"github.com/optimgo/quasinewton/numdiff"
)

// LogLevel controls the frequency and type of logger output
type LogLevel int

const (
	// LogNoop no output is generated (level < 0)
	LogNoop LogLevel = -1
	// LogLast print only one line at the last iteration
	LogLast LogLevel = 0
	// LogEval print also f and |g| every `level` iterations for any (0 < level < 99)
	LogEval LogLevel = 1
	// LogTrace print details of every iteration except n-vectors
	LogTrace LogLevel = 99
	// LogVerbose print details of every iteration including x and g (level > 99)
	LogVerbose LogLevel = 100
)

// Logger handles logging output for the optimizer.
// Note the writers must be thread-safe.
type Logger struct {
	Level LogLevel
	Msg   io.Writer // Writer to output log messages.
	Out   io.Writer // Writer for output data.
}

func (l *Logger) enable(level LogLevel) bool {
	return l.Level >= level
}

func (l *Logger) log(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Msg, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Msg, format)
	}
}

func (l *Logger) out(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Out, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Out, format)
	}
}

// Evaluation is a function type for evaluating the objective function and gradient.
type Evaluation func(x []float64, g []float64) (f float64)

// Objective is a function type for evaluating the objective function alone.
// The gradient is approximated with finite differences (see numdiff).
type Objective func(x []float64) (f float64)

// Termination specifies the stopping criteria for the optimization algorithm.
type Termination struct {
	// The iteration stop when the number of iteration exceeds limit.
	MaxIterations int
	// The iteration stop when the total number of function and gradient evaluation exceeds limit.
	MaxEvaluations int
	// The iteration stop when the CPU time spent on function and gradient evaluation over quota.
	MaxComputations int64
	// The iteration will stop when the function value satisfied:
	//   (fₖ - fₖ₊₁)/𝚖𝚊𝚡(|fₖ|,|fₖ₊₁|,1) ≤ 𝚏𝚊𝚌𝚝𝚛 × 𝚎𝚙𝚜𝚖𝚌𝚑
	EpsAccuracyFactor float64
	// The iteration will stop when the gradient satisfied:
	//   ‖ gₖ ‖∞ ≤ 𝚐𝚝𝚘𝚕
	GradTolerance float64
	// The iteration will stop when the search direction satisfied:
	//   ‖ dₖ ‖₂ ≤ 𝚙𝚍𝚝𝚘𝚕 × (|fₖ| + 1)
	GradDescentThreshold float64
}

// Problem specifies the problem for the L-BFGS optimizer.
type Problem struct {
	N      int            // The problem dimension
	M      int            // The correction number of BFGS
	Eval   Evaluation     // Objective function and gradient
	Func   Objective      // Objective function alone, used when Eval is nil
	Diff   numdiff.Method // Finite difference method for Func
	Stop   Termination    // Stop condition
	Search *SearchTol     // Optional line-search config
}

// New creates a new L-BFGS optimizer for given problem.
func (p *Problem) New(logger *Logger) (optimizer *Optimizer, err error) {

	if logger == nil {
		logger = new(Logger)
		logger.Level = LogNoop
	}
	if logger.Msg == nil {
		logger.Msg = os.Stdout
	}
	if logger.Out == nil {
		logger.Out = os.Stderr
	}

	n, m := p.N, p.M
	eval, stop := p.Eval, p.Stop

	stop.MaxEvaluations = max(stop.MaxEvaluations, 0)
	if stop.MaxEvaluations == 0 {
		stop.MaxEvaluations = math.MaxInt
	}

	stop.MaxComputations = max(stop.MaxComputations, 0)
	if stop.MaxComputations > 0 {
		stop.MaxComputations *= time.Second.Nanoseconds()
	}
	if stop.MaxComputations <= 0 {
		stop.MaxComputations = math.MaxInt64
	}

	switch {
	case n <= 0:
		err = errors.New("problem dimension must greater than 0")
	case m <= 0:
		err = errors.New("correction number must greater than 0")
	case eval == nil && p.Func == nil:
		err = errors.New("evaluation target is required")
	case stop.MaxIterations <= 0:
		err = errors.New("max iteration must greater than 1")
	case !math.IsNaN(stop.EpsAccuracyFactor) && stop.EpsAccuracyFactor < one:
		err = errors.New("machine epsilon factor must not less than 0")
	case !math.IsNaN(stop.GradTolerance) && stop.GradTolerance < zero:
		err = errors.New("gradient tolerance must not less than 0")
	}

	if err != nil {
		return
	}

	search := p.Search
	if search == nil {
		search = &SearchTol{
			searchAlpha, searchBeta, searchEps, zero, searchNoBnd}
	}

	epsilon := math.Nextafter(1, 2) - 1
	optimizer = &Optimizer{
		iterSpec{
			n: n, m: m,
			epsilon: epsilon,
			stop:    stop,
			eval:    eval,
			fn:      p.Func,
			diff:    p.Diff,
			logger:  *logger,
			search:  search,
		},
	}
	return
}

// Optimizer implemented using the L-BFGS algorithm.
type Optimizer struct {
	iterSpec
}

// Workspace contains the state and context of the optimization process.
// Given problem dimension n and corrections number m,
// total work space is approximately float64[2×mn + 3×n + 2×m].
type Workspace struct {
	n, m int
	grad numdiff.GradSpec
	iterCtx
}

// Result contains the final result of the optimization process.
type Result struct {
	OK      bool      // Whether the optimization was converged.
	F       float64   // Final function value.
	X, G    []float64 // Final solution and gradient.
	HessInv *InvHess  // Final inverse-Hessian approximation, read-only from here on.
	Summary           // Optimization summary.
}

// Summary contains a summary of the optimization process.
type Summary struct {
	Status  iterTask // Final task status after optimization.
	NumIter int      // Number of iterations performed.
	NumEval int      // Number of function and gradient evaluations performed.
}

// Init allocate the workspace for L-BFGS optimizer.
// To avoid race conditions, separate workspaces need to be created for each goroutine.
// But multiple workspaces could share one optimizer.
func (o *Optimizer) Init() *Workspace {
	w := new(Workspace)
	w.n, w.m = o.n, o.m
	if o.eval == nil {
		// The finite-difference step scratch belongs to the workspace,
		// never shared between concurrent Fit runs.
		w.grad = numdiff.GradSpec{N: o.n, Object: o.fn, Method: o.diff}
	}
	w.init(w.n, w.m)
	return w
}

// Fit runs the optimization process using the initial guess x and workspace w.
func (o *Optimizer) Fit(x []float64, w *Workspace) *Result {

	if len(x) != o.n {
		panic("initial x dimension not match spec")
	}

	if w.n != o.n || w.m != o.m {
		panic("workspace dimension not match spec")
	}

	loc := iterLoc{
		x: slices.Clone(x),
		g: make([]float64, len(x)),
	}

	eval := o.eval
	if eval == nil {
		// Fall back to finite differences for the gradient.
		fn, gs := o.fn, &w.grad
		eval = func(x, g []float64) float64 {
			if e := gs.Grad(x, g); e != nil {
				panic(e)
			}
			return fn(x)
		}
	}

	driver := iterDriver{
		optimizer: o,
		workspace: w,
		location:  &loc,
		eval:      eval,
	}

	res := driver.mainLoop()
	return &Result{
		OK: res&iterConv > 0,
		X:  loc.x, F: loc.f, G: loc.g,
		HessInv: w.hess,
		Summary: Summary{
			Status:  res,
			NumIter: w.iter,
			NumEval: w.totalEval,
		},
	}
}

// iterSpec holds the immutable parameters shared by every Fit run.
type iterSpec struct {
	n, m    int
	epsilon float64
	stop    Termination
	eval    Evaluation
	fn      Objective
	diff    numdiff.Method
	logger  Logger
	search  *SearchTol
}

// iterLoc holds the current iterate.
type iterLoc struct {
	f    float64
	x, g []float64
}

func (l *iterLoc) save(x []float64, f *float64, g []float64) {
	dcopy(len(l.x), l.x, x)
	dcopy(len(l.g), l.g, g)
	*f = l.f
}

func (l *iterLoc) load(x []float64, f float64, g []float64) {
	dcopy(len(l.x), x, l.x)
	dcopy(len(l.g), g, l.g)
	l.f = f
}

// iterClock measures the wall time spent in a section of the iteration.
type iterClock struct {
	start int64
}

func (c *iterClock) reset() {
	c.start = time.Now().UnixNano()
}

func (c *iterClock) elapsed() int64 {
	return time.Now().UnixNano() - c.start
}

// iterCtx holds the mutable state of one optimization run.
type iterCtx struct {
	hess *InvHess

	d     []float64 // search direction dₖ
	t     []float64 // xₖ saved before the line search
	r     []float64 // gₖ saved before the line search, then y = gₖ₊₁ - gₖ
	alpha []float64 // two-loop recursion scratch

	iter          int
	totalEval     int
	totalSkipBFGS int

	fOld         float64
	gNorm        float64
	dNorm, dSqrt float64

	stp, gd, gdOld float64
	numEval        int
	numBack        int
	task           SearchTask

	searchWork struct {
		tol SearchTol
		ctx SearchCtx
	}

	lineSearchTime int64
	global, shared iterClock
}

func (c *iterCtx) init(n, m int) {
	c.d = make([]float64, n)
	c.t = make([]float64, n)
	c.r = make([]float64, n)
	c.alpha = make([]float64, m)
	c.clear(n, m)
}

// clear resets the whole context for a fresh Fit run.
func (c *iterCtx) clear(n, m int) {
	c.iter = 0
	c.totalEval = 0
	c.totalSkipBFGS = 0
	c.fOld = zero
	c.gNorm = zero
	c.lineSearchTime = 0
	c.reset(n, m)
}

// reset refreshes the L-BFGS memory, discarding all stored corrections.
func (c *iterCtx) reset(n, m int) {
	c.hess, _ = NewInvHess(n, m)
	c.stp = zero
	c.gd, c.gdOld = zero, zero
	c.numEval, c.numBack = 0, 0
	c.task = SearchStart
}
