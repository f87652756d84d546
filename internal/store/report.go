package store

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cwbudde/popanneal/internal/pop"
)

// OptimizationReport is a convenience view over the final generation of a
// run: the surviving individuals and, per objective, its specialist.
type OptimizationReport struct {
	ParamNames     []string
	FeatureNames   []string
	ObjectiveNames []string
	Survivors      []*pop.Individual
	Specialists    map[string]*pop.Individual
}

// NewReport builds a report from loaded storage.
func NewReport(s *PopulationStorage) (*OptimizationReport, error) {
	if s.Generations() == 0 {
		return nil, fmt.Errorf("store: cannot report on empty storage")
	}
	last := s.Generations() - 1
	r := &OptimizationReport{
		ParamNames:     s.ParamNames,
		FeatureNames:   s.FeatureNames,
		ObjectiveNames: s.ObjectiveNames,
		Survivors:      pop.ClonePopulation(s.Survivors[last]),
		Specialists:    make(map[string]*pop.Individual, len(s.ObjectiveNames)),
	}
	specialists := s.Specialists[last]
	for i, name := range s.ObjectiveNames {
		if i < len(specialists) {
			r.Specialists[name] = specialists[i].Clone()
		}
	}
	return r, nil
}

// LoadReport builds a report directly from a checkpoint file.
func LoadReport(path string) (*OptimizationReport, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewReport(s)
}

// Best returns the top-ranked survivor of the final generation.
func (r *OptimizationReport) Best() (*pop.Individual, error) {
	if len(r.Survivors) == 0 {
		return nil, fmt.Errorf("store: report has no survivors")
	}
	best := r.Survivors[0]
	for _, ind := range r.Survivors[1:] {
		if ind.Rank != nil && (best.Rank == nil || *ind.Rank < *best.Rank) {
			best = ind
		}
	}
	return best, nil
}

// Write prints one individual's parameters, features and objectives as an
// aligned table.
func (r *OptimizationReport) Write(w io.Writer, ind *pop.Individual) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "model\t%d\n", ind.ModelID)
	if ind.Energy != nil {
		fmt.Fprintf(tw, "energy\t%.6g\n", *ind.Energy)
	}
	if ind.Rank != nil {
		fmt.Fprintf(tw, "rank\t%d\n", *ind.Rank)
	}
	writeNamedVector(tw, "param", r.ParamNames, ind.X)
	writeNamedVector(tw, "feature", r.FeatureNames, ind.Features)
	writeNamedVector(tw, "objective", r.ObjectiveNames, ind.Objectives)
	return tw.Flush()
}

func writeNamedVector(w io.Writer, kind string, names []string, vals []float64) {
	for i, name := range names {
		if i < len(vals) {
			fmt.Fprintf(w, "%s\t%s\t%.6g\n", kind, name, vals[i])
		}
	}
}
