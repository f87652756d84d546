package pop

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Sentinel errors for populations missing a required attribute. Hitting one
// of these signals driver misuse (ranking before evaluation), never a
// recoverable condition.
var (
	ErrEmptyPopulation   = errors.New("pop: cannot rank an empty population")
	ErrObjectivesMissing = errors.New("pop: objectives have not been stored for all individuals")
	ErrFitnessMissing    = errors.New("pop: fitness has not been assigned for all individuals")
	ErrEnergyMissing     = errors.New("pop: energy has not been assigned for all individuals")
	ErrRankMissing       = errors.New("pop: rank has not been assigned for all individuals")
	ErrDistanceMissing   = errors.New("pop: crowding distance has not been assigned for all individuals")
)

// NormalizeMode selects whether objective extrema are tracked across the
// entire run so far (global) or within the current evaluation batch (local).
type NormalizeMode string

const (
	NormalizeGlobal NormalizeMode = "global"
	NormalizeLocal  NormalizeMode = "local"
)

// ParseNormalizeMode validates a normalize mode string.
func ParseNormalizeMode(s string) (NormalizeMode, error) {
	switch NormalizeMode(s) {
	case NormalizeGlobal, NormalizeLocal:
		return NormalizeMode(s), nil
	}
	return "", fmt.Errorf("pop: normalize mode must be %q or %q, got %q", NormalizeGlobal, NormalizeLocal, s)
}

// DefaultNormalizeThreshold is the log10 span of (min, max) above which
// objectives are normalized in log space instead of linearly. Empirically
// chosen in the reference configuration; override per call site if needed.
const DefaultNormalizeThreshold = 2.0

// crowdingSentinel is added to the two extreme individuals of every front so
// boundary solutions are always preferred by crowding-distance ranking.
const crowdingSentinel = 1e15

func requireObjectives(population []*Individual) error {
	for _, ind := range population {
		if !ind.Evaluated() {
			return ErrObjectivesMissing
		}
	}
	return nil
}

// ObjectiveEdges returns component-wise objective extrema over the
// population, merged with the running extrema in global mode and reset to
// the batch extrema in local mode.
func ObjectiveEdges(population []*Individual, minObj, maxObj []float64, mode NormalizeMode) ([]float64, []float64, error) {
	if len(population) == 0 {
		return minObj, maxObj, nil
	}
	if err := requireObjectives(population); err != nil {
		return nil, nil, err
	}
	if _, err := ParseNormalizeMode(string(mode)); err != nil {
		return nil, nil, err
	}
	newMin := cloneFloats(population[0].Objectives)
	newMax := cloneFloats(population[0].Objectives)
	if mode == NormalizeGlobal && len(minObj) > 0 {
		newMin = cloneFloats(minObj)
	}
	if mode == NormalizeGlobal && len(maxObj) > 0 {
		newMax = cloneFloats(maxObj)
	}
	for _, ind := range population {
		for m, v := range ind.Objectives {
			newMin[m] = math.Min(newMin[m], v)
			newMax[m] = math.Max(newMax[m], v)
		}
	}
	return newMin, newMax, nil
}

// normalizeDynamic translates and scales vals into [0, 1] relative to
// (minVal, maxVal): linearly when the log10 span of the range is below
// threshold, otherwise in log-modulus space so objectives spanning many
// orders of magnitude do not collapse the small end of the range.
func normalizeDynamic(vals []float64, minVal, maxVal, threshold float64) []float64 {
	out := cloneFloats(vals)
	if maxVal == 0 {
		return out
	}
	var offset float64
	if minVal == 0 {
		orderMag := math.Log10(maxVal)
		if orderMag > 0 {
			orderMag = math.Ceil(orderMag)
		} else {
			orderMag = math.Floor(orderMag)
		}
		offset = math.Pow(10, math.Min(0, orderMag-2))
	}
	logMin := math.Log10(minVal + offset)
	logMax := math.Log10(maxVal + offset)
	if logMax-logMin < threshold {
		floats.AddConst(-minVal, out)
		floats.Scale(1/(maxVal-minVal), out)
	} else {
		for i := range out {
			out[i] = math.Log10(out[i] + offset)
		}
		floats.AddConst(-logMin, out)
		floats.Scale(1/(logMax-logMin), out)
	}
	return out
}

// AssignNormalizedObjectives computes each individual's normalized objective
// vector relative to the supplied extrema. Nil or empty extrema fall back to
// the extrema of the population itself.
func AssignNormalizedObjectives(population []*Individual, minObj, maxObj []float64) error {
	if err := requireObjectives(population); err != nil {
		return err
	}
	if len(population) == 0 {
		return nil
	}
	if len(minObj) == 0 || len(maxObj) == 0 {
		var err error
		minObj, maxObj, err = ObjectiveEdges(population, nil, nil, NormalizeLocal)
		if err != nil {
			return err
		}
	}
	numObjectives := len(population[0].Objectives)
	for _, ind := range population {
		ind.Normalized = make([]float64, numObjectives)
	}
	for m := 0; m < numObjectives; m++ {
		if minObj[m] == maxObj[m] {
			continue
		}
		vals := make([]float64, len(population))
		for i, ind := range population {
			vals[i] = ind.Objectives[m]
		}
		normalized := normalizeDynamic(vals, minObj[m], maxObj[m], DefaultNormalizeThreshold)
		for i, ind := range population {
			ind.Normalized[m] = normalized[i]
		}
	}
	return nil
}

// dominates reports whether p Pareto-dominates q: every objective of p is
// less than or equal to the corresponding objective of q, and at least one
// is strictly less (lower is better).
func dominates(p, q *Individual) bool {
	strict := false
	for m := range p.Objectives {
		d := p.Objectives[m] - q.Objectives[m]
		if d > 0 {
			return false
		}
		if d < 0 {
			strict = true
		}
	}
	return strict
}

// AssignFitnessByDominance assigns each individual its Pareto front index
// via fast non-dominated sorting: fitness 0 is the non-dominated front,
// successive fronts peel off with increasing fitness. With a single
// objective every individual lands on front 0 and energy breaks ties.
func AssignFitnessByDominance(population []*Individual) error {
	if err := requireObjectives(population); err != nil {
		return err
	}
	if len(population) == 0 {
		return nil
	}
	if len(population[0].Objectives) <= 1 {
		for _, ind := range population {
			ind.Fitness = intPtr(0)
		}
		return nil
	}
	n := len(population)
	dominated := make([][]int, n) // indices each individual dominates
	dominators := make([]int, n)  // number of individuals dominating each
	var front []int
	for p := 0; p < n; p++ {
		for q := 0; q < n; q++ {
			if dominates(population[p], population[q]) {
				dominated[p] = append(dominated[p], q)
			} else if dominates(population[q], population[p]) {
				dominators[p]++
			}
		}
		if dominators[p] == 0 {
			population[p].Fitness = intPtr(0)
			front = append(front, p)
		}
	}
	for i := 0; len(front) > 0; i++ {
		var next []int
		for _, p := range front {
			for _, q := range dominated[p] {
				dominators[q]--
				if dominators[q] == 0 {
					population[q].Fitness = intPtr(i + 1)
					next = append(next, q)
				}
			}
		}
		front = next
	}
	return nil
}

// AssignRelativeEnergy sets each individual's energy to the sum of its
// normalized objectives.
func AssignRelativeEnergy(population []*Individual) error {
	for _, ind := range population {
		if ind.Objectives == nil || ind.Normalized == nil || len(ind.Objectives) != len(ind.Normalized) {
			return ErrObjectivesMissing
		}
	}
	for _, ind := range population {
		ind.Energy = floatPtr(floats.Sum(ind.Normalized))
	}
	return nil
}

// AssignAbsoluteEnergy sets each individual's energy to the sum of its raw
// objectives.
func AssignAbsoluteEnergy(population []*Individual) error {
	if err := requireObjectives(population); err != nil {
		return err
	}
	for _, ind := range population {
		ind.Energy = floatPtr(floats.Sum(ind.Objectives))
	}
	return nil
}

// AssignRelativeEnergyByFitness normalizes objectives within each fitness
// front separately before summing, so energies are comparable only inside an
// equivalence class.
func AssignRelativeEnergyByFitness(population []*Individual) error {
	maxFitness, err := maxFitnessOf(population)
	if err != nil {
		return err
	}
	for fitness := 0; fitness <= maxFitness; fitness++ {
		front := filterByFitness(population, fitness)
		if len(front) == 0 {
			continue
		}
		if err := AssignNormalizedObjectives(front, nil, nil); err != nil {
			return err
		}
		if err := AssignRelativeEnergy(front); err != nil {
			return err
		}
	}
	return nil
}

// AssignCrowdingDistance computes, per objective, the normalized gap between
// each individual's sorted neighbors and accumulates it as the crowding
// distance. Extreme individuals of each objective receive a large sentinel
// so the boundary of the front is always kept.
func AssignCrowdingDistance(population []*Individual) error {
	if err := requireObjectives(population); err != nil {
		return err
	}
	if len(population) == 0 {
		return nil
	}
	for _, ind := range population {
		ind.Distance = floatPtr(0)
	}
	numObjectives := len(population[0].Objectives)
	sorted := make([]*Individual, len(population))
	copy(sorted, population)
	for m := 0; m < numObjectives; m++ {
		m := m
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Objectives[m] < sorted[j].Objectives[m]
		})
		first, last := sorted[0], sorted[len(sorted)-1]
		*first.Distance += crowdingSentinel
		*last.Distance += crowdingSentinel
		span := last.Objectives[m] - first.Objectives[m]
		if span == 0 {
			continue
		}
		for i := 1; i < len(sorted)-1; i++ {
			*sorted[i].Distance += (sorted[i+1].Objectives[m] - sorted[i-1].Objectives[m]) / span
		}
	}
	return nil
}

// SortByEnergy returns the population sorted by ascending energy.
func SortByEnergy(population []*Individual) ([]*Individual, error) {
	for _, ind := range population {
		if ind.Energy == nil {
			return nil, ErrEnergyMissing
		}
	}
	sorted := make([]*Individual, len(population))
	copy(sorted, population)
	sort.SliceStable(sorted, func(i, j int) bool { return *sorted[i].Energy < *sorted[j].Energy })
	return sorted, nil
}

// SortByCrowdingDistance returns the population sorted by descending
// crowding distance (sparser regions first).
func SortByCrowdingDistance(population []*Individual) ([]*Individual, error) {
	for _, ind := range population {
		if ind.Distance == nil {
			return nil, ErrDistanceMissing
		}
	}
	sorted := make([]*Individual, len(population))
	copy(sorted, population)
	sort.SliceStable(sorted, func(i, j int) bool { return *sorted[i].Distance > *sorted[j].Distance })
	return sorted, nil
}

// SortByRank returns the population sorted by ascending rank.
func SortByRank(population []*Individual) ([]*Individual, error) {
	for _, ind := range population {
		if ind.Rank == nil {
			return nil, ErrRankMissing
		}
	}
	sorted := make([]*Individual, len(population))
	copy(sorted, population)
	sort.SliceStable(sorted, func(i, j int) bool { return *sorted[i].Rank < *sorted[j].Rank })
	return sorted, nil
}

// AssignRankByFitnessAndEnergy totally orders the population by (fitness
// ascending, energy ascending within equal fitness) and writes the resulting
// index into each individual's rank.
func AssignRankByFitnessAndEnergy(population []*Individual) error {
	maxFitness, err := maxFitnessOf(population)
	if err != nil {
		return err
	}
	rank := 0
	for fitness := 0; fitness <= maxFitness; fitness++ {
		front := filterByFitness(population, fitness)
		sortedFront, err := SortByEnergy(front)
		if err != nil {
			return err
		}
		for _, ind := range sortedFront {
			ind.Rank = intPtr(rank)
			rank++
		}
	}
	return nil
}

// AssignRankByEnergy orders the population by energy alone.
func AssignRankByEnergy(population []*Individual) error {
	sorted, err := SortByEnergy(population)
	if err != nil {
		return err
	}
	for rank, ind := range sorted {
		ind.Rank = intPtr(rank)
	}
	return nil
}

// AssignRankByFitnessAndCrowding orders each fitness front by crowding
// distance to preserve diverse solutions. Once the whole population has
// collapsed to a single front, crowding would favor unique over better
// solutions, so ranking falls back to energy.
func AssignRankByFitnessAndCrowding(population []*Individual) error {
	maxFitness, err := maxFitnessOf(population)
	if err != nil {
		return err
	}
	if maxFitness == 0 {
		return AssignRankByEnergy(population)
	}
	rank := 0
	for fitness := 0; fitness <= maxFitness; fitness++ {
		front := filterByFitness(population, fitness)
		if len(front) == 0 {
			continue
		}
		if err := AssignCrowdingDistance(front); err != nil {
			return err
		}
		sortedFront, err := SortByCrowdingDistance(front)
		if err != nil {
			return err
		}
		for _, ind := range sortedFront {
			ind.Rank = intPtr(rank)
			rank++
		}
	}
	return nil
}

func maxFitnessOf(population []*Individual) (int, error) {
	maxFitness := 0
	for _, ind := range population {
		if ind.Fitness == nil {
			return 0, ErrFitnessMissing
		}
		if *ind.Fitness > maxFitness {
			maxFitness = *ind.Fitness
		}
	}
	return maxFitness, nil
}

func filterByFitness(population []*Individual, fitness int) []*Individual {
	var front []*Individual
	for _, ind := range population {
		if ind.Fitness != nil && *ind.Fitness == fitness {
			front = append(front, ind)
		}
	}
	return front
}
