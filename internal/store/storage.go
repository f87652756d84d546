package store

import (
	"fmt"
	"log/slog"

	"github.com/cwbudde/popanneal/internal/pop"
)

// PopulationStorage is the ordered, append-only record of generations
// produced during an optimization run. Every generation holds six parallel
// groups (population, survivors, specialists, prev_survivors,
// prev_specialists, failed), the per-generation objective extrema used for
// normalization, and user-defined scalar attributes such as the current step
// size.
//
// Storage owns deep copies of every individual it records; the driver keeps
// live references only for the current generation.
type PopulationStorage struct {
	ParamNames     []string
	FeatureNames   []string
	ObjectiveNames []string
	PathLength     int
	Normalize      pop.NormalizeMode

	History         [][]*pop.Individual
	Survivors       [][]*pop.Individual
	Specialists     [][]*pop.Individual
	PrevSurvivors   [][]*pop.Individual
	PrevSpecialists [][]*pop.Individual
	Failed          [][]*pop.Individual

	MinObjectives [][]float64
	MaxObjectives [][]float64

	// Attributes maps a user attribute name to one value per generation,
	// back-filled with nil for generations where it was not supplied.
	Attributes map[string][]*float64

	// Count is the number of individuals ever created, including failed ones.
	Count int

	// savedThrough counts generations already persisted to the checkpoint
	// file; re-saving them is a detected no-op.
	savedThrough int
}

// Generation bundles the data recorded for one generation.
type Generation struct {
	Population      []*pop.Individual
	Survivors       []*pop.Individual
	Specialists     []*pop.Individual
	PrevSurvivors   []*pop.Individual
	PrevSpecialists []*pop.Individual
	Failed          []*pop.Individual
	MinObjectives   []float64
	MaxObjectives   []float64
	Attributes      map[string]float64
}

// New creates empty storage for a run over the named parameters, features
// and objectives.
func New(paramNames, featureNames, objectiveNames []string, pathLength int, normalize pop.NormalizeMode) (*PopulationStorage, error) {
	if len(paramNames) == 0 || len(featureNames) == 0 || len(objectiveNames) == 0 {
		return nil, fmt.Errorf("store: param, feature and objective names must all be specified")
	}
	if pathLength <= 0 {
		return nil, fmt.Errorf("store: path length must be positive, got %d", pathLength)
	}
	if _, err := pop.ParseNormalizeMode(string(normalize)); err != nil {
		return nil, err
	}
	return &PopulationStorage{
		ParamNames:     paramNames,
		FeatureNames:   featureNames,
		ObjectiveNames: objectiveNames,
		PathLength:     pathLength,
		Normalize:      normalize,
		Attributes:     make(map[string][]*float64),
	}, nil
}

// Generations returns the number of generations appended so far.
func (s *PopulationStorage) Generations() int {
	return len(s.History)
}

// Append records one new generation. All individuals are deep-copied; failed
// individuals are stripped to parameters and identity. User attributes not
// supplied for this generation are back-filled with nil so every attribute
// list stays equal in length to the history.
func (s *PopulationStorage) Append(gen Generation) {
	s.History = append(s.History, pop.ClonePopulation(gen.Population))
	s.Survivors = append(s.Survivors, pop.ClonePopulation(gen.Survivors))
	s.Specialists = append(s.Specialists, pop.ClonePopulation(gen.Specialists))
	s.PrevSurvivors = append(s.PrevSurvivors, pop.ClonePopulation(gen.PrevSurvivors))
	s.PrevSpecialists = append(s.PrevSpecialists, pop.ClonePopulation(gen.PrevSpecialists))

	failed := pop.ClonePopulation(gen.Failed)
	for _, ind := range failed {
		ind.StripEvaluation()
	}
	s.Failed = append(s.Failed, failed)

	s.Count += len(gen.Population) + len(gen.Failed)
	s.MinObjectives = append(s.MinObjectives, cloneFloats(gen.MinObjectives))
	s.MaxObjectives = append(s.MaxObjectives, cloneFloats(gen.MaxObjectives))

	numGens := len(s.History)
	for key := range gen.Attributes {
		if _, ok := s.Attributes[key]; !ok {
			// First sighting of this attribute: back-fill earlier generations.
			s.Attributes[key] = make([]*float64, numGens-1)
		}
	}
	for key := range s.Attributes {
		if val, ok := gen.Attributes[key]; ok {
			v := val
			s.Attributes[key] = append(s.Attributes[key], &v)
		} else {
			s.Attributes[key] = append(s.Attributes[key], nil)
		}
	}
}

// UpdateLast retroactively attaches block-selection results to the most
// recently appended generation: survivors, specialists and the objective
// extrema computed after the block completed.
func (s *PopulationStorage) UpdateLast(survivors, specialists []*pop.Individual, minObj, maxObj []float64) error {
	if len(s.History) == 0 {
		return fmt.Errorf("store: cannot update last generation of empty storage")
	}
	last := len(s.History) - 1
	s.Survivors[last] = pop.ClonePopulation(survivors)
	s.Specialists[last] = pop.ClonePopulation(specialists)
	s.MinObjectives[last] = cloneFloats(minObj)
	s.MaxObjectives[last] = cloneFloats(maxObj)
	return nil
}

// Attribute returns the recorded values of a user attribute, one per
// generation, or nil if the attribute was never recorded.
func (s *PopulationStorage) Attribute(name string) []*float64 {
	return s.Attributes[name]
}

// LastAttribute returns the most recent non-nil value of a user attribute.
func (s *PopulationStorage) LastAttribute(name string) (float64, bool) {
	vals := s.Attributes[name]
	for i := len(vals) - 1; i >= 0; i-- {
		if vals[i] != nil {
			return *vals[i], true
		}
	}
	return 0, false
}

// GlobalRerank re-runs the fitness/energy/rank pipeline over the entire
// flattened history at once and replaces only the final generation's
// survivor and specialist lists. Earlier recorded generations are left
// untouched; this is a retrospective analysis tool, not part of the
// optimization loop.
func (s *PopulationStorage) GlobalRerank(numSurvivors int) error {
	if len(s.History) == 0 {
		return fmt.Errorf("store: cannot rerank empty storage")
	}
	var entire []*pop.Individual
	for _, generation := range s.History {
		entire = append(entire, generation...)
	}
	if numSurvivors <= 0 {
		numSurvivors = len(s.Survivors[len(s.Survivors)-1])
		if numSurvivors == 0 {
			numSurvivors = 1
		}
	}
	if err := pop.RankAnnealing(entire, nil, nil); err != nil {
		return fmt.Errorf("store: global rerank: %w", err)
	}
	specialists, err := pop.Specialists(entire)
	if err != nil {
		return fmt.Errorf("store: global rerank: %w", err)
	}
	best, err := pop.SelectByRank(entire, pop.SelectionParams{NumSurvivors: numSurvivors})
	if err != nil {
		return fmt.Errorf("store: global rerank: %w", err)
	}
	last := len(s.History) - 1
	s.Survivors[last] = pop.ClonePopulation(best)
	s.Specialists[last] = pop.ClonePopulation(specialists)
	slog.Info("Reranked full history", "generations", len(s.History), "models", len(entire), "survivors", len(best))
	return nil
}

func cloneFloats(s []float64) []float64 {
	if s == nil {
		return nil
	}
	c := make([]float64, len(s))
	copy(c, s)
	return c
}
