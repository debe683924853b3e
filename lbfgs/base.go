// Copyright ©2026 optimgo. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgs

const (
	zero  = 0.0
	one   = 1.0
	two   = 2.0
	three = 3.0
)

// iterTask encodes the state of the iteration loop.
// A zero value keeps the main loop running, any other value terminates it.
type iterTask int

const (
	iterLoop iterTask = 0
	iterConv iterTask = 1 << (8 + iota)
	iterStop
	iterHalt
)

const (
	// ConvGradNorm the gradient ∞-norm satisfied: ‖ gₖ ‖∞ ≤ 𝚐𝚝𝚘𝚕
	ConvGradNorm = iterConv | 1
	// ConvEnoughAccuracy the function value satisfied: (fₖ - fₖ₊₁)/𝚖𝚊𝚡(|fₖ|,|fₖ₊₁|,1) ≤ 𝚏𝚊𝚌𝚝𝚛 × 𝚎𝚙𝚜𝚖𝚌𝚑
	ConvEnoughAccuracy = iterConv | 2
)

const (
	// OverIterLimit the number of iterations exceeds the limit.
	OverIterLimit = iterStop | 1
	// OverEvalLimit the total number of function and gradient evaluations exceeds the limit.
	OverEvalLimit = iterStop | 2
	// OverTimeLimit the CPU time spent on evaluations is over quota.
	OverTimeLimit = iterStop | 3
	// OverGradThresh the scaled gradient descent is sufficiently small.
	OverGradThresh = iterStop | 4
)

const (
	// StopAbnormalSearch the line search cannot locate an adequate point.
	StopAbnormalSearch = iterHalt | 1
	// HaltEvalPanic the evaluation callback panicked.
	HaltEvalPanic = iterHalt | 2
)

// errInfo carries the detail of an iteration failure or warning.
type errInfo int

const (
	ok errInfo = iota
	errDerivative
	errLineSearchTol
	errLineSearchFailed
	warnRestartLoop
	warnTooManySearch
)
