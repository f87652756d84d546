package pop

import (
	"fmt"
	"math/rand"
	"sort"
)

// Ranker assigns fitness/energy/rank attributes to every individual in a
// population, given the running objective extrema.
type Ranker func(population []*Individual, minObj, maxObj []float64) error

// Selector picks survivors from a ranked population.
type Selector func(population []*Individual, p SelectionParams) ([]*Individual, error)

// RankAnnealing is the default ranking pipeline: Pareto fronts by dominance,
// dynamic objective normalization, relative energy, then a total order by
// (fitness, energy).
func RankAnnealing(population []*Individual, minObj, maxObj []float64) error {
	if len(population) == 0 {
		return ErrEmptyPopulation
	}
	if err := AssignFitnessByDominance(population); err != nil {
		return err
	}
	if err := AssignNormalizedObjectives(population, minObj, maxObj); err != nil {
		return err
	}
	if err := AssignRelativeEnergy(population); err != nil {
		return err
	}
	return AssignRankByFitnessAndEnergy(population)
}

// RankCrowding ranks like RankAnnealing but breaks fitness ties by crowding
// distance instead of energy.
func RankCrowding(population []*Individual, minObj, maxObj []float64) error {
	if len(population) == 0 {
		return ErrEmptyPopulation
	}
	if err := AssignFitnessByDominance(population); err != nil {
		return err
	}
	if err := AssignNormalizedObjectives(population, minObj, maxObj); err != nil {
		return err
	}
	if err := AssignRelativeEnergy(population); err != nil {
		return err
	}
	return AssignRankByFitnessAndCrowding(population)
}

// RankRandom assigns a random permutation of ranks. Useful as a null model
// when benchmarking selection pressure.
func RankRandom(population []*Individual, minObj, maxObj []float64) error {
	if len(population) == 0 {
		return ErrEmptyPopulation
	}
	if err := AssignFitnessByDominance(population); err != nil {
		return err
	}
	if err := AssignNormalizedObjectives(population, minObj, maxObj); err != nil {
		return err
	}
	if err := AssignRelativeEnergy(population); err != nil {
		return err
	}
	ranks := rand.Perm(len(population))
	for i, ind := range population {
		ind.Rank = intPtr(ranks[i])
	}
	return nil
}

var rankers = map[string]Ranker{
	"annealing": RankAnnealing,
	"crowding":  RankCrowding,
	"random":    RankRandom,
}

var selectors = map[string]Selector{
	"rank":             SelectByRank,
	"rank_and_fitness": SelectByRankAndFitness,
}

// ResolveRanker looks up a built-in ranking strategy by name.
func ResolveRanker(name string) (Ranker, error) {
	if r, ok := rankers[name]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("pop: unknown ranking strategy %q (built-ins: %v)", name, strategyNames(rankers))
}

// ResolveSelector looks up a built-in selection strategy by name.
func ResolveSelector(name string) (Selector, error) {
	if s, ok := selectors[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("pop: unknown selection strategy %q (built-ins: %v)", name, strategyNames(selectors))
}

func strategyNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
