package hmc

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LogProbFn evaluates an unnormalized log density and its gradient at a
// flat parameter vector.
type LogProbFn func(theta []float64) (logp float64, grad []float64, err error)

// Sampler draws from a log density given an initial point, a tune/draw
// budget and a diagonal variance estimate used as (inverse) mass matrix.
// Implementations return all nTune+nDraws states in order, tuning phase
// included, together with the log density at each.
type Sampler interface {
	Sample(logProb LogProbFn, init []float64, nTune, nDraws int, scaling []float64) (samples [][]float64, logps []float64, err error)
}

// Leapfrog is a plain Hamiltonian Monte Carlo sampler: a fixed number of
// leapfrog steps per proposal, momenta drawn from N(0, diag(1/scaling)),
// and multiplicative step size adaptation toward TargetAccept during the
// tuning phase only.
type Leapfrog struct {
	// StepSize is the initial leapfrog step size, adapted during tuning.
	StepSize float64
	// NumSteps is the number of leapfrog steps per proposal.
	NumSteps int
	// TargetAccept is the acceptance probability the adaptation aims for.
	TargetAccept float64
	// AdaptRate scales the log step size update per tuning iteration.
	AdaptRate float64

	rng *rand.Rand
}

// NewLeapfrog returns a Leapfrog sampler with its own seeded generator and
// the usual defaults.
func NewLeapfrog(seed int64) *Leapfrog {
	return &Leapfrog{
		StepSize:     0.1,
		NumSteps:     10,
		TargetAccept: 0.8,
		AdaptRate:    0.05,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

// Sample implements Sampler. scaling is a per-dimension variance estimate
// of the target; momenta use its inverse as diagonal mass, so the leapfrog
// position update moves proportionally to the estimated scale of each
// dimension.
func (s *Leapfrog) Sample(logProb LogProbFn, init []float64, nTune, nDraws int, scaling []float64) ([][]float64, []float64, error) {
	dim := len(init)
	if len(scaling) != dim {
		return nil, nil, errors.Errorf("scaling has %d entries, parameter vector has %d", len(scaling), dim)
	}
	for ii, v := range scaling {
		if !(v > 0) || math.IsInf(v, 0) {
			return nil, nil, errors.Errorf("scaling[%d] = %v, must be positive and finite", ii, v)
		}
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(0))
	}

	theta := append([]float64(nil), init...)
	logp, grad, err := logProb(theta)
	if err != nil {
		return nil, nil, err
	}
	if math.IsNaN(logp) || math.IsInf(logp, 0) {
		return nil, nil, errors.Errorf("log density not finite at the initial point: %v", logp)
	}

	stepSize := s.StepSize
	total := nTune + nDraws
	samples := make([][]float64, total)
	logps := make([]float64, total)
	accepted := 0

	momentum := make([]float64, dim)
	for iter := 0; iter < total; iter++ {
		kinetic := 0.0
		for ii := range momentum {
			momentum[ii] = s.rng.NormFloat64() / math.Sqrt(scaling[ii])
			kinetic += 0.5 * momentum[ii] * momentum[ii] * scaling[ii]
		}
		hamiltonian0 := -logp + kinetic

		propTheta := append([]float64(nil), theta...)
		propMomentum := append([]float64(nil), momentum...)
		propLogp, propGrad := logp, grad
		diverged := false
		for step := 0; step < s.NumSteps; step++ {
			for ii := range propMomentum {
				propMomentum[ii] += 0.5 * stepSize * propGrad[ii]
			}
			for ii := range propTheta {
				propTheta[ii] += stepSize * scaling[ii] * propMomentum[ii]
			}
			propLogp, propGrad, err = logProb(propTheta)
			if err != nil {
				return nil, nil, err
			}
			if math.IsNaN(propLogp) || math.IsInf(propLogp, 0) {
				diverged = true
				break
			}
			for ii := range propMomentum {
				propMomentum[ii] += 0.5 * stepSize * propGrad[ii]
			}
		}

		alpha := 0.0
		if !diverged {
			kinetic = 0.0
			for ii := range propMomentum {
				kinetic += 0.5 * propMomentum[ii] * propMomentum[ii] * scaling[ii]
			}
			hamiltonian1 := -propLogp + kinetic
			alpha = math.Min(1, math.Exp(hamiltonian0-hamiltonian1))
			if s.rng.Float64() < alpha {
				theta, logp, grad = propTheta, propLogp, propGrad
				accepted++
			}
		}

		if iter < nTune {
			stepSize *= math.Exp(s.AdaptRate * (alpha - s.TargetAccept))
		}

		samples[iter] = append([]float64(nil), theta...)
		logps[iter] = logp
	}
	klog.V(1).Infof("leapfrog HMC: %d/%d accepted, final step size %.3g", accepted, total, stepSize)
	return samples, logps, nil
}
