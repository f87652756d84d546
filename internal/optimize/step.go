package optimize

import (
	"fmt"
	"math"
	"math/rand"
)

// DefaultOrderMagThreshold is the span, in orders of magnitude, at or above
// which a parameter's absolute bounds are explored in log10 space instead of
// linearly. Empirically chosen in the reference configuration.
const DefaultOrderMagThreshold = 2.0

// RelBoundRule constrains one parameter relative to another: the dependent
// parameter must satisfy `x[dep] <op> factor * x[indep]`. Rules are applied
// in order, so a dependent parameter of one rule may serve as the
// independent parameter of a later one.
type RelBoundRule struct {
	Dep    string  `json:"dep" yaml:"dep"`
	Op     string  `json:"op" yaml:"op"`
	Factor float64 `json:"factor" yaml:"factor"`
	Indep  string  `json:"indep" yaml:"indep"`
}

func (r RelBoundRule) validate(paramIndex map[string]int) error {
	if _, ok := paramIndex[r.Dep]; !ok {
		return fmt.Errorf("relative bound references unknown dependent parameter %q", r.Dep)
	}
	if _, ok := paramIndex[r.Indep]; !ok {
		return fmt.Errorf("relative bound references unknown independent parameter %q", r.Indep)
	}
	switch r.Op {
	case "=", "<", "<=", ">=", ">":
		return nil
	}
	return fmt.Errorf("relative bound has unknown operator %q", r.Op)
}

// RelativeBoundedStep perturbs parameter vectors within absolute and
// relative bounds. Parameters whose bounds span at least
// DefaultOrderMagThreshold orders of magnitude (without crossing zero) are
// sampled in log10 space; the explored span shrinks with the fractional
// Stepsize, annealing the search radius toward exploitation. Bounds are
// immutable after construction; Stepsize is mutated by the driver.
type RelativeBoundedStep struct {
	// Stepsize is the fractional search radius in (0, 1].
	Stepsize float64

	paramNames  []string
	paramIndex  map[string]int
	x0          []float64
	xmin        []float64
	xmax        []float64
	xRange      []float64
	absOrderMag []float64
	relBounds   []RelBoundRule
	wrap        bool
	orderMagThr float64
	rng         *rand.Rand
}

// StepConfig carries the construction parameters for RelativeBoundedStep.
type StepConfig struct {
	ParamNames []string
	X0         []float64    // optional when Bounds is set
	Bounds     [][2]float64 // optional when X0 is set; derived from X0 otherwise
	RelBounds  []RelBoundRule
	Stepsize   float64
	Wrap       bool
	// OrderMagThreshold overrides DefaultOrderMagThreshold when positive.
	OrderMagThreshold float64
	Rand              *rand.Rand
}

// NewRelativeBoundedStep builds the step operator, deriving missing bounds
// from the starting point (0.1*x0 .. 10*x0, sign aware) and a missing
// starting point from bound midpoints. The starting point must satisfy all
// bounds.
func NewRelativeBoundedStep(cfg StepConfig) (*RelativeBoundedStep, error) {
	if cfg.X0 == nil && cfg.Bounds == nil {
		return nil, fmt.Errorf("optimize: either starting parameters or bounds must be specified")
	}
	if len(cfg.ParamNames) == 0 {
		return nil, fmt.Errorf("optimize: parameter names must be specified")
	}
	dim := len(cfg.ParamNames)
	if cfg.X0 != nil && len(cfg.X0) != dim {
		return nil, fmt.Errorf("optimize: x0 has %d values for %d parameters", len(cfg.X0), dim)
	}
	if cfg.Bounds != nil && len(cfg.Bounds) != dim {
		return nil, fmt.Errorf("optimize: bounds have %d entries for %d parameters", len(cfg.Bounds), dim)
	}
	if cfg.Stepsize <= 0 || cfg.Stepsize > 1 {
		return nil, fmt.Errorf("optimize: step size must be in (0, 1], got %g", cfg.Stepsize)
	}

	s := &RelativeBoundedStep{
		Stepsize:    cfg.Stepsize,
		paramNames:  cfg.ParamNames,
		paramIndex:  make(map[string]int, dim),
		wrap:        cfg.Wrap,
		orderMagThr: cfg.OrderMagThreshold,
		rng:         cfg.Rand,
	}
	if s.orderMagThr <= 0 {
		s.orderMagThr = DefaultOrderMagThreshold
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	for i, name := range cfg.ParamNames {
		s.paramIndex[name] = i
	}

	s.x0 = make([]float64, dim)
	s.xmin = make([]float64, dim)
	s.xmax = make([]float64, dim)
	for i := 0; i < dim; i++ {
		hasBounds := cfg.Bounds != nil
		if cfg.X0 != nil {
			s.x0[i] = cfg.X0[i]
		} else {
			s.x0[i] = 0.5 * (cfg.Bounds[i][0] + cfg.Bounds[i][1])
		}
		if hasBounds {
			s.xmin[i] = cfg.Bounds[i][0]
			s.xmax[i] = cfg.Bounds[i][1]
		} else {
			switch {
			case s.x0[i] > 0:
				s.xmin[i], s.xmax[i] = 0.1*s.x0[i], 10*s.x0[i]
			case s.x0[i] < 0:
				s.xmin[i], s.xmax[i] = 10*s.x0[i], 0.1*s.x0[i]
			default:
				s.xmin[i], s.xmax[i] = -1, 1
			}
		}
		if s.xmin[i] > s.xmax[i] {
			return nil, fmt.Errorf("optimize: misspecified bounds for parameter %q: min %g > max %g",
				cfg.ParamNames[i], s.xmin[i], s.xmax[i])
		}
	}
	s.xRange = make([]float64, dim)
	s.absOrderMag = make([]float64, dim)
	for i := 0; i < dim; i++ {
		s.xRange[i] = s.xmax[i] - s.xmin[i]
		logMin, logMax, _, _, ok := logmodBounds(s.xmin[i], s.xmax[i])
		if ok {
			s.absOrderMag[i] = logMax - logMin
		}
	}
	for i, rule := range cfg.RelBounds {
		if err := rule.validate(s.paramIndex); err != nil {
			return nil, fmt.Errorf("optimize: rule %d: %w", i, err)
		}
	}
	s.relBounds = cfg.RelBounds

	if ok, err := s.CheckBounds(s.x0); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("optimize: starting parameters are not within specified bounds")
	}
	return s, nil
}

// X0 returns the starting point (possibly derived from bound midpoints).
func (s *RelativeBoundedStep) X0() []float64 { return s.x0 }

// Min returns the absolute lower bounds.
func (s *RelativeBoundedStep) Min() []float64 { return s.xmin }

// Max returns the absolute upper bounds.
func (s *RelativeBoundedStep) Max() []float64 { return s.xmax }

// Step perturbs every component of currentX at the operator's current
// Stepsize and wrap mode, then enforces the relative-bound rules.
func (s *RelativeBoundedStep) Step(currentX []float64) ([]float64, error) {
	return s.StepWith(currentX, s.Stepsize, s.wrap)
}

// StepWith is Step with per-call step size and wrap overrides; the initial
// population is generated with stepsize 1 and wrapping so it spans the full
// bound range.
func (s *RelativeBoundedStep) StepWith(currentX []float64, stepsize float64, wrap bool) ([]float64, error) {
	if currentX == nil {
		currentX = s.x0
	}
	if len(currentX) != len(s.x0) {
		return nil, fmt.Errorf("optimize: step input has %d values for %d parameters", len(currentX), len(s.x0))
	}
	x := make([]float64, len(currentX))
	copy(x, currentX)
	for i := range x {
		x[i] = s.generateParam(x[i], i, s.xmin[i], s.xmax[i], stepsize, wrap)
	}
	if len(s.relBounds) > 0 {
		return s.applyRelBounds(x, stepsize)
	}
	return x, nil
}

// generateParam steps one component, choosing log or linear sampling from
// the precomputed span of its absolute bounds. The order of magnitude
// actually explored shrinks proportionally to the step size.
func (s *RelativeBoundedStep) generateParam(xi float64, i int, xiMin, xiMax, stepsize float64, wrap bool) float64 {
	if xiMin == xiMax {
		return xiMin
	}
	if s.absOrderMag[i] <= s.orderMagThr-1 {
		return s.linearStep(xi, i, xiMin, xiMax, stepsize, wrap)
	}
	logMin, logMax, offset, factor, ok := logmodBounds(xiMin, xiMax)
	if !ok {
		return s.linearStep(xi, i, xiMin, xiMax, stepsize, wrap)
	}
	orderMag := math.Min(logMax-logMin, s.absOrderMag[i]*stepsize)
	if orderMag <= s.orderMagThr-1 {
		return s.linearStep(xi, i, xiMin, xiMax, stepsize, wrap)
	}
	return s.log10Step(xi, i, logMin, logMax, offset, factor, stepsize, wrap)
}

func (s *RelativeBoundedStep) linearStep(xi float64, i int, xiMin, xiMax, stepsize float64, wrap bool) float64 {
	step := stepsize * s.xRange[i] / 2
	if wrap {
		step = math.Min(step, xiMax-xiMin)
		newXi := xi + s.uniform(-step, step)
		if newXi < xiMin {
			newXi = math.Max(xiMax-(xiMin-newXi), xiMin)
		} else if newXi > xiMax {
			newXi = math.Min(xiMin+(newXi-xiMax), xiMax)
		}
		return newXi
	}
	// Clip, not wrap: near a bound the admissible interval narrows, biasing
	// proposals away from the boundary.
	lo := math.Max(xiMin, xi-step)
	hi := math.Min(xiMax, xi+step)
	return s.uniform(lo, hi)
}

func (s *RelativeBoundedStep) log10Step(xi float64, i int, logMin, logMax, offset, factor, stepsize float64, wrap bool) float64 {
	xiLog := logmod(xi, offset, factor)
	step := stepsize * s.absOrderMag[i] / 2
	if wrap {
		step = math.Min(step, logMax-logMin)
		stepLog := xiLog + s.uniform(-step, step)
		if stepLog < logMin {
			stepLog = math.Max(logMax-(logMin-stepLog), logMin)
		} else if stepLog > logMax {
			stepLog = math.Min(logMin+(stepLog-logMax), logMax)
		}
		return logmodInv(stepLog, offset, factor)
	}
	lo := math.Max(logMin, xiLog-step)
	hi := math.Min(logMax, xiLog+step)
	return logmodInv(s.uniform(lo, hi), offset, factor)
}

// applyRelBounds enforces the relative-bound rules in order. Equality rules
// rewrite the dependent parameter outright and fail when the result would
// violate its absolute bounds; inequality rules tighten the dependent
// parameter's effective bounds and re-sample it only if it violates them.
func (s *RelativeBoundedStep) applyRelBounds(x []float64, stepsize float64) ([]float64, error) {
	newMin := make([]float64, len(s.xmin))
	newMax := make([]float64, len(s.xmax))
	copy(newMin, s.xmin)
	copy(newMax, s.xmax)
	for i, rule := range s.relBounds {
		dep := s.paramIndex[rule.Dep]
		indep := s.paramIndex[rule.Indep]
		target := rule.Factor * x[indep]
		if rule.Op == "=" {
			if target < s.xmin[dep] || target >= s.xmax[dep] {
				return nil, fmt.Errorf("optimize: relative bound rule %d contradicts absolute bounds of %q", i, rule.Dep)
			}
			x[dep] = target
			continue
		}
		switch rule.Op {
		case "<":
			newMax[dep] = math.Max(math.Min(newMax[dep], target), newMin[dep])
		case "<=":
			newMax[dep] = math.Max(math.Min(newMax[dep], math.Nextafter(target, math.Inf(1))), newMin[dep])
		case ">=":
			newMin[dep] = math.Min(math.Max(newMin[dep], target), newMax[dep])
		case ">":
			newMin[dep] = math.Min(math.Max(newMin[dep], math.Nextafter(target, math.Inf(1))), newMax[dep])
		}
		if !(newMin[dep] <= x[dep] && x[dep] < newMax[dep]) {
			xi := math.Min(math.Max(x[dep], newMin[dep]), newMax[dep])
			x[dep] = s.generateParam(xi, dep, newMin[dep], newMax[dep], stepsize, false)
		}
	}
	return x, nil
}

// CheckBounds validates a parameter vector against the absolute bounds and
// every relative-bound rule. It never corrects the vector.
func (s *RelativeBoundedStep) CheckBounds(x []float64) (bool, error) {
	if len(x) != len(s.x0) {
		return false, fmt.Errorf("optimize: vector has %d values for %d parameters", len(x), len(s.x0))
	}
	for i, xi := range x {
		if xi == s.xmin[i] && xi == s.xmax[i] {
			continue
		}
		if xi < s.xmin[i] || xi > s.xmax[i] {
			return false, nil
		}
	}
	for _, rule := range s.relBounds {
		dep := s.paramIndex[rule.Dep]
		indep := s.paramIndex[rule.Indep]
		target := rule.Factor * x[indep]
		var ok bool
		switch rule.Op {
		case "=":
			ok = x[dep] == target
		case "<":
			ok = x[dep] < target
		case "<=":
			ok = x[dep] <= target
		case ">=":
			ok = x[dep] >= target
		case ">":
			ok = x[dep] > target
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (s *RelativeBoundedStep) uniform(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + s.rng.Float64()*(hi-lo)
}

// logmod maps x into log10 space with a sign factor and additive offset so
// all-negative ranges and ranges touching zero remain loggable.
func logmod(x, offset, factor float64) float64 {
	return math.Log10(x*factor + offset)
}

func logmodInv(logX, offset, factor float64) float64 {
	return (math.Pow(10, logX) - offset) / factor
}

// logmodBounds returns the log-space bounds of (xiMin, xiMax) plus the
// offset and sign factor used. ok is false when the range crosses zero or is
// degenerate at zero, in which case sampling must stay linear.
func logmodBounds(xiMin, xiMax float64) (logMin, logMax, offset, factor float64, ok bool) {
	switch {
	case xiMin < 0 && xiMax < 0:
		factor = -1
		// Sign flip reverses min and max.
		return logmod(xiMax, 0, factor), logmod(xiMin, 0, factor), 0, factor, true
	case xiMin < 0 && xiMax == 0:
		factor = -1
		offset = zeroOffset(xiMin * factor)
		return logmod(xiMax, offset, factor), logmod(xiMin, offset, factor), offset, factor, true
	case xiMin < 0:
		// Opposite signs: no log sampling.
		return 0, 0, 0, 0, false
	case xiMin == 0 && xiMax == 0:
		return 0, 0, 0, 0, false
	case xiMin == 0:
		factor = 1
		offset = zeroOffset(xiMax)
		return logmod(xiMin, offset, factor), logmod(xiMax, offset, factor), offset, factor, true
	default:
		factor = 1
		return logmod(xiMin, 0, factor), logmod(xiMax, 0, factor), 0, factor, true
	}
}

// zeroOffset picks an additive offset two orders of magnitude below the
// nonzero edge of a range touching zero, capped at 1.
func zeroOffset(edge float64) float64 {
	orderMag := math.Log10(edge)
	if orderMag > 0 {
		orderMag = math.Ceil(orderMag)
	} else {
		orderMag = math.Floor(orderMag)
	}
	return math.Pow(10, math.Min(0, orderMag-2))
}
