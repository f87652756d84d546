package pop

import "sort"

// SelectionParams bundles the survivor-selection knobs shared by all
// selection strategies.
type SelectionParams struct {
	// NumSurvivors is the number of top-ranked individuals kept.
	NumSurvivors int

	// NumDiversity is the maximum number of additional individuals promoted
	// from lower fitness fronts to preserve diversity.
	NumDiversity int

	// FitnessRange bounds the fitness fronts eligible for diversity
	// promotion: fronts 1..FitnessRange are considered.
	FitnessRange int
}

// SelectByRank returns the top-ranked individuals, pure elitism.
func SelectByRank(population []*Individual, p SelectionParams) ([]*Individual, error) {
	sorted, err := SortByRank(population)
	if err != nil {
		return nil, err
	}
	n := p.NumSurvivors
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n], nil
}

// SelectByRankAndFitness keeps the top-ranked individuals, then promotes up
// to NumDiversity additional individuals from fitness fronts within
// FitnessRange of the best, sampled per front proportionally to front size.
// This preserves genetic diversity beyond pure elitism.
func SelectByRankAndFitness(population []*Individual, p SelectionParams) ([]*Individual, error) {
	maxFitness, err := maxFitnessOf(population)
	if err != nil {
		return nil, err
	}
	sorted, err := SortByRank(population)
	if err != nil {
		return nil, err
	}
	n := p.NumSurvivors
	if n > len(sorted) {
		n = len(sorted)
	}
	survivors := sorted[:n]
	remaining := sorted[n:]

	if maxFitness > p.FitnessRange {
		maxFitness = p.FitnessRange
	}
	var diversityPool []*Individual
	fitnessGroups := make(map[int][]*Individual)
	for _, ind := range remaining {
		if *ind.Fitness >= 1 && *ind.Fitness <= maxFitness {
			diversityPool = append(diversityPool, ind)
			fitnessGroups[*ind.Fitness] = append(fitnessGroups[*ind.Fitness], ind)
		}
	}
	if len(diversityPool) == 0 {
		return survivors, nil
	}
	var diversitySurvivors []*Individual
	for fitness := 1; fitness <= maxFitness; fitness++ {
		if len(diversitySurvivors) >= p.NumDiversity {
			break
		}
		group := fitnessGroups[fitness]
		if len(group) == 0 {
			continue
		}
		take := len(group) / len(diversityPool)
		if take < 1 {
			take = 1
		}
		sortedGroup, err := SortByRank(group)
		if err != nil {
			return nil, err
		}
		if take > len(sortedGroup) {
			take = len(sortedGroup)
		}
		diversitySurvivors = append(diversitySurvivors, sortedGroup[:take]...)
	}
	if len(diversitySurvivors) > p.NumDiversity {
		diversitySurvivors = diversitySurvivors[:p.NumDiversity]
	}
	return append(survivors, diversitySurvivors...), nil
}

// Specialists returns, for each objective independently, the individual with
// the lowest value of that objective. Ties are broken by lowest energy, so
// exactly one specialist is returned per objective.
func Specialists(population []*Individual) ([]*Individual, error) {
	if err := requireObjectives(population); err != nil {
		return nil, err
	}
	if len(population) == 0 {
		return nil, ErrEmptyPopulation
	}
	numObjectives := len(population[0].Objectives)
	sorted := make([]*Individual, len(population))
	copy(sorted, population)
	specialists := make([]*Individual, 0, numObjectives)
	for m := 0; m < numObjectives; m++ {
		m := m
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Objectives[m] < sorted[j].Objectives[m]
		})
		best := sorted[0].Objectives[m]
		group := []*Individual{sorted[0]}
		for _, ind := range sorted[1:] {
			if ind.Objectives[m] != best {
				break
			}
			group = append(group, ind)
		}
		if len(group) > 1 {
			sort.SliceStable(group, func(i, j int) bool {
				switch {
				case group[i].Energy == nil:
					return false
				case group[j].Energy == nil:
					return true
				default:
					return *group[i].Energy < *group[j].Energy
				}
			})
		}
		specialists = append(specialists, group[0])
	}
	return specialists, nil
}
