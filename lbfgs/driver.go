// Copyright ©2026 optimgo. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgs

import (
	"errors"
	"fmt"
	"math"
)

// iterDriver is the main driver for iterations in an optimization process,
// responsible for managing the flow of the optimization.
type iterDriver struct {
	optimizer *Optimizer
	workspace *Workspace
	location  *iterLoc
	eval      Evaluation
}

// nextLocation determines the next iteration state based on the time limit and
// performs function evaluations for the current iteration.
func (d *iterDriver) nextLocation(iter iterTask) iterTask {
	o, w, loc := d.optimizer, d.workspace, d.location
	if w.iterCtx.global.elapsed() >= o.stop.MaxComputations {
		iter = OverTimeLimit
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					iter = HaltEvalPanic
				}
			}()
			loc.f = d.eval(loc.x, loc.g)
			w.totalEval++
		}()
	}
	return iter
}

// newIteration handles the transition to a new iteration, checking for stopping
// conditions like exceeding iteration limits, evaluation limits, or gradient thresholds.
func (d *iterDriver) newIteration(iter iterTask) iterTask {
	o, w, loc := d.optimizer, d.workspace, d.location
	w.iter++
	if w.iter > o.stop.MaxIterations {
		iter = OverIterLimit
	} else if w.totalEval >= o.stop.MaxEvaluations {
		iter = OverEvalLimit
	} else if w.dNorm <= o.stop.GradDescentThreshold*(1.0+math.Abs(loc.f)) {
		iter = OverGradThresh
	}
	return iter
}

// checkConvergence checks if the convergence criteria have been met based on
// the gradient norm and the progress in function value reduction.
func (d *iterDriver) checkConvergence(iter iterTask) iterTask {
	o, w, loc := d.optimizer, d.workspace, d.location
	// Compute the infinity norm of the gradient
	w.gNorm = dinfnorm(o.n, loc.g)
	if iter&(iterStop|iterHalt) > 0 {
		// The iterate was restored, the accuracy test would trivially pass.
		return iter
	}
	if w.gNorm <= o.stop.GradTolerance {
		iter = ConvGradNorm
	} else if w.iter > 0 {
		tolEps := o.epsilon * o.stop.EpsAccuracyFactor
		change := math.Max(math.Abs(w.fOld), math.Max(math.Abs(loc.f), one))
		if w.fOld-loc.f <= tolEps*change {
			iter = ConvEnoughAccuracy
		}
	}
	return iter
}

// mainLoop is the main execution loop of the iteration process, performing
// multiple operations including checking convergence, performing line searches,
// and updating the inverse-Hessian corrections. It controls the iteration flow.
func (d *iterDriver) mainLoop() (task iterTask) {

	loc := d.location
	spec := &d.optimizer.iterSpec
	ctx := &d.workspace.iterCtx

	log := spec.logger

	ctx.clear(spec.n, spec.m)
	ctx.global.reset()

	d.printInit()

	// Calculate f₀ and g₀
	if task = d.nextLocation(iterLoop); task == iterLoop {
		task = d.checkConvergence(task)
		if log.enable(LogEval) {
			log.log("At iterate %5d    f= %12.5e    |g|= %12.5e\n", ctx.iter, loc.f, ctx.gNorm)
			log.out(" %4d %4d   -     -        -   %10.3e %10.3e\n", ctx.iter, ctx.totalEval, ctx.gNorm, loc.f)
		}
	}

	info := ok
	for task == iterLoop {

		if info != ok {
			info = ok
			ctx.reset(spec.n, spec.m)
			if log.enable(LogLast) {
				log.log("Refreshing LBFGS memory and restarting iteration.\n")
			}
		}

		if log.enable(LogTrace) {
			log.log("\n\nITERATION %5d\n", ctx.iter+1)
		}

		d.searchDirection()

		if info = d.searchOptimalStep(&task); info != ok {
			continue
		}

		// calculate and print out the quantities related to the new X.
		task = d.newIteration(task)
		task = d.checkConvergence(task)

		// Print iteration information
		d.printIter()

		if task == iterLoop {
			info = d.updateCorrection()
		} else if task == ConvEnoughAccuracy {
			if ctx.numBack >= searchBackSlow {
				info = warnTooManySearch
			}
		}
	}

	d.printExit(task, info)
	return
}

// searchDirection computes the quasi-Newton direction dₖ = -Hₖgₖ with the
// two-loop recursion over the stored corrections. While the history is empty
// Hₖ = I and the direction is plain steepest descent.
func (d *iterDriver) searchDirection() {
	loc := d.location
	spec := &d.optimizer.iterSpec
	ctx := &d.workspace.iterCtx

	hess := ctx.hess
	hess.applyColumn(ctx.d, loc.g, ctx.alpha[:hess.Len()])
	dscal(spec.n, -one, ctx.d)
}

// searchOptimalStep calculates the optimal step size (λₖ) for the current iteration,
// using line search techniques to determine the next location in the optimization process.
func (d *iterDriver) searchOptimalStep(task *iterTask) (info errInfo) {

	loc := d.location
	spec := &d.optimizer.iterSpec
	ctx := &d.workspace.iterCtx

	ctx.shared.reset()
	initLineSearch(spec, ctx)
	loc.save(ctx.t, &ctx.fOld, ctx.r) // Save original x, f, g

	done := false
	for !done {
		info, done = performLineSearch(loc, spec, ctx)
		if info == ok && ctx.numBack < searchBackExit {
			if !done {
				if *task = d.nextLocation(*task); *task&(iterStop|iterHalt) > 0 {
					break
				} else {
					ctx.numEval++
					ctx.numBack = ctx.numEval - 1
				}
			}
			continue
		}
		if ctx.hess.Len() == 0 {
			*task = StopAbnormalSearch
			if info == ok {
				info = errLineSearchFailed
			}
			ctx.iter++
		} else {
			info = warnRestartLoop
		}
		break
	}

	if !done {
		// Restore the previous iterate
		loc.load(ctx.t, ctx.fOld, ctx.r)
	}

	if log := spec.logger; log.enable(LogLast) && info != ok {
		switch info {
		case errDerivative:
			log.log("Ascent direction in line search gd = %f\n", ctx.gd)
		case warnRestartLoop:
			log.log("Bad direction in the line search;\n")
		}
	}

	ctx.lineSearchTime += ctx.shared.elapsed()
	return
}

// initLineSearch prepares the scalar search state for a new direction dₖ.
func initLineSearch(spec *iterSpec, ctx *iterCtx) {

	ctx.dSqrt = ddot(spec.n, ctx.d, ctx.d) // d²
	ctx.dNorm = math.Sqrt(ctx.dSqrt)       // ‖ d ‖₂

	ctx.searchWork.tol = *spec.search

	if ctx.iter == 0 {
		ctx.stp = math.Min(one/ctx.dNorm, ctx.searchWork.tol.Upper)
	} else {
		ctx.stp = one
	}

	ctx.numEval = 0
	ctx.numBack = 0
	ctx.task = SearchStart
}

// Perform a line search along dₖ.
// The λₖ starts with the unit steplength and ensure fₖ₊₁ = f(xₖ + λₖdₖ), gₖ₊₁ = f′ₖ₊₁ satisfies:
//   - sufficient decrease condition: fₖ₊₁ ≤ fₖ + ɑλₖgₖᵀdₖ (ɑ = 10⁻³)
//   - curvature condition: |gₖ₊₁ᵀdₖ| ≤ β |gₖᵀdₖ| (β = 0.9)
func performLineSearch(loc *iterLoc, spec *iterSpec, ctx *iterCtx) (info errInfo, done bool) {

	n := spec.n
	x, f, g := loc.x, loc.f, loc.g
	d, t := ctx.d, ctx.t

	if n < 0 || n > len(x) || n > len(d) || n > len(t) {
		panic("bound check error")
	}

	ctx.gd = ddot(n, g, d)
	if ctx.numEval == 0 {
		ctx.gdOld = ctx.gd
		if ctx.gd >= zero {
			// Line search is impossible when the directional derivative ≥ 0.
			return errDerivative, false
		}
	}

	ctx.stp, ctx.task = ScalarSearch(f, ctx.gd, ctx.stp, ctx.task, &ctx.searchWork.tol, &ctx.searchWork.ctx)
	done = ctx.task&(SearchConv|SearchWarn|SearchError) > 0

	if !done { // Try another x = λₖdₖ + xₖ
		for i := 0; i < n; i++ {
			x[i] = ctx.stp*d[i] + t[i]
		}
	} else if ctx.task&SearchError > 0 {
		info = errLineSearchTol
	}
	return
}

// updateCorrection appends the correction pair of the accepted step to the
// inverse-Hessian history:
//
//	s = λₖdₖ    y = gₖ₊₁ - gₖ
//
// The update is skipped when the curvature condition sᵀy > ‖y‖² × 𝚎𝚙𝚜𝚖𝚌𝚑
// does not hold, since such a pair would not keep the approximation
// positive definite.
func (d *iterDriver) updateCorrection() (info errInfo) {

	loc := d.location
	spec := &d.optimizer.iterSpec
	ctx := &d.workspace.iterCtx

	n := spec.n
	dir := ctx.d // s = λₖdₖ
	r := ctx.r   // y = gₖ₊₁ - gₖ

	if len(r) < len(loc.g) {
		panic("bound check error")
	}

	for i, g := range loc.g {
		r[i] = g - r[i]
	}

	dr := ctx.gd - ctx.gdOld // sᵀy
	y2 := -ctx.gdOld
	if ctx.stp != one {
		dr *= ctx.stp
		y2 *= ctx.stp
		dscal(n, ctx.stp, dir)
	}

	// skip update when curvature condition sᵀy ≤ ‖ y ‖² × 𝚎𝚙𝚜𝚖𝚌𝚑
	if dr <= spec.epsilon*y2 {
		ctx.totalSkipBFGS++
		if log := spec.logger; log.enable(LogEval) {
			log.log("Skipping L-BFGS update. dr: %f, y2: %f\n", dr, y2)
		}
		return
	}

	if err := ctx.hess.Append(dir, r); err != nil {
		if errors.Is(err, ErrCurvature) {
			ctx.totalSkipBFGS++
			return
		}
		panic(err)
	}
	return
}

// printInit logs the initialization details of the L-BFGS optimization process,
// including machine precision and problem dimensions.
func (d *iterDriver) printInit() {

	loc := d.location
	spec := &d.optimizer.iterSpec

	log := spec.logger

	if log.enable(LogLast) {
		log.log("RUNNING THE L-BFGS CODE\n")
		log.log("           * * *\n")
		log.log("Machine precision = %10.3e\n", spec.epsilon)
		log.log("N = %d    M = %d\n", spec.n, spec.m)

		if log.enable(LogEval) {
			log.out("RUNNING THE L-BFGS CODE\n\n")
			log.out("Machine precision = %10.3e\n", spec.epsilon)
			log.out("N = %d    M = %d\n", spec.n, spec.m)
			log.out("\n   it   nf   itls   stepl      |g|        f\n")

			if log.enable(LogVerbose) {
				log.log("\nX0 = ")
				for i, x := range loc.x {
					log.log("%.2e ", x)
					if (i+1)%6 == 0 {
						log.log("\n     ")
					}
				}
				log.log("\n")
			}
		}
	}
}

// printIter logs the current iteration details, including the function value,
// gradient norm, and other iteration statistics.
func (d *iterDriver) printIter() {

	loc := d.location
	spec := &d.optimizer.iterSpec
	ctx := &d.workspace.iterCtx

	log := spec.logger

	stpNorm := ctx.stp * ctx.dNorm
	if log.enable(LogTrace) {
		log.log("LINE SEARCH %d times; norm of step = %12.5e\n", ctx.numBack, stpNorm)
		log.log("At iterate %5d    f= %12.5e    |g|= %12.5e\n", ctx.iter, loc.f, ctx.gNorm)
		var warn string
		switch ctx.task {
		case SearchWarnRoundErr:
			warn = "ROUNDING ERRORS PREVENT PROGRESS"
		case SearchWarnReachEps:
			warn = "XTOL TEST SATISFIED"
		case SearchWarnReachMax:
			warn = "STP = STPMAX"
		case SearchWarnReachMin:
			warn = "STP = STPMIN"
		}
		if warn != "" {
			log.log("WARNING: %v\n", warn)
		}
		if log.enable(LogVerbose) {
			log.log("\n X = ")
			for i := 0; i < spec.n; i++ {
				log.log("%.2e ", loc.x[i])
				if (i+1)%6 == 0 {
					log.log("\n     ")
				}
			}

			log.log("\n G = ")
			for i := 0; i < spec.n; i++ {
				log.log("%.2e ", loc.g[i])
				if (i+1)%6 == 0 {
					log.log("\n     ")
				}
			}
		}
	} else if log.enable(LogEval) {
		if ctx.iter%int(log.Level) == 0 {
			log.log("At iterate %5d    f= %12.5e    |g|= %12.5e\n", ctx.iter, loc.f, ctx.gNorm)
		}
	}

	if log.enable(LogEval) {
		log.out("%4d %5d %5d %7.1f %10.3e %10.3e\n",
			ctx.iter, ctx.totalEval, ctx.numBack, ctx.stp, ctx.gNorm, loc.f)
	}
}

// printExit logs the final statistics and exit conditions of the optimization process.
func (d *iterDriver) printExit(task iterTask, info errInfo) {

	loc := d.location
	spec := &d.optimizer.iterSpec
	ctx := &d.workspace.iterCtx

	log := spec.logger
	if !log.enable(LogLast) {
		return
	}

	time := ctx.global.elapsed()

	log.log("\n           * * *\n")
	log.log("Tit   = total number of iterations\n")
	log.log("Tnf   = total number of function evaluations\n")
	log.log("Skip  = number of BFGS updates skipped\n")
	log.log("Mem   = number of corrections in memory\n")
	log.log("Normg = norm of the final gradient\n")
	log.log("F     = final function value\n")
	log.log("\n           * * *\n")
	log.log("\n   N      Tit      Tnf   Skip   Mem    Normg         F\n")
	log.log("%5d %6d %7d %6d %6d %6.2e %9.5e\n",
		spec.n, ctx.iter, ctx.totalEval, ctx.totalSkipBFGS, ctx.hess.Len(), ctx.gNorm, loc.f)

	if log.enable(LogEval) {
		log.log(" F = %.9e\n", loc.f)
	}

	var msg string
	switch task {
	case ConvGradNorm:
		msg = "CONVERGENCE: NORM_OF_GRADIENT_<=_GTOL"
	case ConvEnoughAccuracy:
		msg = "CONVERGENCE: REL_REDUCTION_OF_F_<=_FACTR*EPSMCH"
	case StopAbnormalSearch:
		msg = "ABNORMAL_TERMINATION_IN_LNSRCH"
	case HaltEvalPanic:
		msg = "STOP: CALLBACK REQUESTED HALT"
	case OverIterLimit:
		msg = "STOP: TOTAL NO. of ITERATIONS REACHED LIMIT"
	case OverEvalLimit:
		msg = "STOP: TOTAL NO. of f AND g EVALUATIONS EXCEEDS LIMIT"
	case OverTimeLimit:
		msg = "STOP: CPU EXCEEDING THE TIME LIMIT"
	case OverGradThresh:
		msg = "STOP: THE SEARCH DIRECTION IS SUFFICIENTLY SMALL"
	default:
		msg = "UNKNOWN TASK"
	}
	log.log("\n%s\n", msg)

	if info != ok {
		switch info {
		case errDerivative:
			log.log("\n Derivative >= 0, backtracking line search impossible.\n")
			log.log("   Previous x, f and g restored.\n")
			log.log(" Possible causes: 1 error in function or gradient evaluation;\n")
			log.log("                  2 rounding errors dominate computation.\n")
		case warnTooManySearch:
			log.log("\n Warning:  more than 10 function and gradient evaluations in the last line search.\n")
			log.log("   Termination may possibly be caused by a bad search direction.\n")
		case errLineSearchFailed:
			log.log("\n Line search cannot locate an adequate point after 20 function and gradient evaluations.\n")
			log.log("   Previous x, f and g restored.\n")
			log.log(" Possible causes: 1 error in function or gradient evaluation;\n")
			log.log("                  2 rounding error dominate computation.\n")
		case errLineSearchTol:
			switch ctx.task {
			case SearchErrOverLower:
				msg = "STP < STPMIN"
			case SearchErrOverUpper:
				msg = "STP > STPMAX"
			case SearchErrNegInitG:
				msg = "INITIAL G >= ZERO"
			case SearchErrNegAlpha:
				msg = "FTOL < ZERO"
			case SearchErrNegBeta:
				msg = "GTOL < ZERO"
			case SearchErrNegEps:
				msg = "XTOL < ZERO"
			case SearchErrLower:
				msg = "STPMIN < ZERO"
			case SearchErrUpper:
				msg = "STPMAX < STPMIN"
			}
			log.log("\n Line search setting is invalid: %v \n", msg)
		}
	}

	if log.enable(LogEval) {
		log.log("\n Line search time: %s \n", formatNs(ctx.lineSearchTime))
	}
	log.log("\n Total User time: %s\n", formatNs(time))
}

func formatNs(nanoseconds int64) string {
	switch {
	case nanoseconds >= 1e9: // Convert to seconds
		return fmt.Sprintf("%.2f s", float64(nanoseconds)/1e9)
	case nanoseconds >= 1e6: // Convert to milliseconds
		return fmt.Sprintf("%.2f ms", float64(nanoseconds)/1e6)
	case nanoseconds >= 1e3: // Convert to microseconds
		return fmt.Sprintf("%.2f µs", float64(nanoseconds)/1e3)
	default: // Keep in nanoseconds
		return fmt.Sprintf("%.2f ns", float64(nanoseconds))
	}
}
