// Package faultgate implements the Extractor's probabilistic fault
// injection: the same gates used for chaos-style testing are part of
// the production request path, so a RunRequest with all probabilities
// at zero exercises the identical code as one that injects faults.
package faultgate

import (
	"math/rand/v2"
)

// Source draws a uniform value in [0,1). Extracted as an interface so
// tests can inject a deterministic sequence instead of the real PRNG.
type Source interface {
	Float64() float64
}

// defaultSource wraps math/rand/v2's package-level generator.
type defaultSource struct{}

// Float64 returns a pseudo-random number in [0,1).
func (defaultSource) Float64() float64 {
	return rand.Float64()
}

// Default is the production Source used when no deterministic
// override is supplied.
var Default Source = defaultSource{}

// Clamp bounds p to [0,1]. Out-of-range probabilities clamp at the
// bounds rather than being rejected.
func Clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Draw reports whether a gate with probability p fires, given a
// uniform draw u in [0,1). u < p means the gate fires.
func Draw(src Source, p float64) bool {
	return src.Float64() < Clamp(p)
}
