package store

import (
	"math"
	"testing"

	"github.com/cwbudde/popanneal/internal/pop"
)

func testStorage(t *testing.T) *PopulationStorage {
	t.Helper()
	s, err := New([]string{"a", "b"}, []string{"feat"}, []string{"obj1", "obj2"}, 2, pop.NormalizeGlobal)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func makeIndividual(t *testing.T, id int, x []float64, objectives []float64) *pop.Individual {
	t.Helper()
	ind := pop.NewIndividual(x, id)
	if objectives != nil {
		ind.Objectives = objectives
		ind.Features = []float64{float64(id)}
	}
	return ind
}

func appendGeneration(t *testing.T, s *PopulationStorage, firstID, n int, attrs map[string]float64) []*pop.Individual {
	t.Helper()
	population := make([]*pop.Individual, n)
	for i := range population {
		id := firstID + i
		population[i] = makeIndividual(t, id, []float64{float64(id), math.Pi * float64(id)}, []float64{float64(id), float64(n - i)})
	}
	s.Append(Generation{Population: population, Attributes: attrs})
	return population
}

func TestAppendDeepCopiesAndCounts(t *testing.T) {
	s := testStorage(t)
	population := appendGeneration(t, s, 0, 3, nil)
	failed := makeIndividual(t, 3, []float64{9, 9}, []float64{1, 1})
	s.Append(Generation{Population: population, Failed: []*pop.Individual{failed}})

	if s.Generations() != 2 {
		t.Fatalf("Generations() = %d, want 2", s.Generations())
	}
	if s.Count != 3+3+1 {
		t.Errorf("Count = %d, want 7", s.Count)
	}

	// Stored individuals are copies: mutating the live one must not leak in.
	population[0].X[0] = -12345
	if s.History[0][0].X[0] == -12345 {
		t.Error("storage aliases the live population")
	}

	// Failed individuals are stripped to parameters and identity.
	stored := s.Failed[1][0]
	if stored.Objectives != nil || stored.Features != nil {
		t.Error("failed individual retains evaluation results")
	}
	if stored.ModelID != 3 || stored.X[0] != 9 {
		t.Errorf("failed individual lost identity: id %d x %v", stored.ModelID, stored.X)
	}
}

func TestAttributeBackfill(t *testing.T) {
	s := testStorage(t)
	appendGeneration(t, s, 0, 2, nil)
	appendGeneration(t, s, 2, 2, map[string]float64{"step_size": 0.5})
	appendGeneration(t, s, 4, 2, nil)

	vals := s.Attribute("step_size")
	if len(vals) != 3 {
		t.Fatalf("attribute has %d entries, want one per generation", len(vals))
	}
	if vals[0] != nil || vals[2] != nil {
		t.Error("generations without the attribute must hold nil")
	}
	if vals[1] == nil || *vals[1] != 0.5 {
		t.Errorf("vals[1] = %v, want 0.5", vals[1])
	}
	if v, ok := s.LastAttribute("step_size"); !ok || v != 0.5 {
		t.Errorf("LastAttribute = %v, %v; want 0.5, true", v, ok)
	}
}

func TestUpdateLastAttachesSelectionResults(t *testing.T) {
	s := testStorage(t)
	population := appendGeneration(t, s, 0, 4, nil)

	survivors := []*pop.Individual{population[0]}
	specialists := []*pop.Individual{population[1], population[2]}
	if err := s.UpdateLast(survivors, specialists, []float64{0, 0}, []float64{4, 4}); err != nil {
		t.Fatalf("UpdateLast failed: %v", err)
	}
	if len(s.Survivors[0]) != 1 || s.Survivors[0][0].ModelID != 0 {
		t.Errorf("survivors not attached: %+v", s.Survivors[0])
	}
	if len(s.Specialists[0]) != 2 {
		t.Errorf("got %d specialists, want 2", len(s.Specialists[0]))
	}
	if s.MaxObjectives[0][0] != 4 {
		t.Errorf("max objectives not attached: %v", s.MaxObjectives[0])
	}
}

func TestGlobalRerankReplacesOnlyLastGeneration(t *testing.T) {
	s := testStorage(t)
	appendGeneration(t, s, 0, 3, nil)
	appendGeneration(t, s, 3, 3, nil)
	firstSurvivors := pop.ClonePopulation(s.Survivors[0])

	if err := s.GlobalRerank(2); err != nil {
		t.Fatalf("GlobalRerank failed: %v", err)
	}
	if len(s.Survivors[1]) != 2 {
		t.Errorf("got %d survivors in last generation, want 2", len(s.Survivors[1]))
	}
	if len(s.Specialists[1]) != 2 {
		t.Errorf("got %d specialists, want one per objective", len(s.Specialists[1]))
	}
	if len(firstSurvivors) != len(s.Survivors[0]) {
		t.Error("rerank modified an earlier generation's survivors")
	}
}

func TestNewValidatesArguments(t *testing.T) {
	if _, err := New(nil, []string{"f"}, []string{"o"}, 1, pop.NormalizeGlobal); err == nil {
		t.Error("New accepted empty param names")
	}
	if _, err := New([]string{"a"}, []string{"f"}, []string{"o"}, 0, pop.NormalizeGlobal); err == nil {
		t.Error("New accepted non-positive path length")
	}
	if _, err := New([]string{"a"}, []string{"f"}, []string{"o"}, 1, "sideways"); err == nil {
		t.Error("New accepted invalid normalize mode")
	}
}
