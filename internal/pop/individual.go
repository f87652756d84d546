package pop

// Individual is one candidate solution: a parameter vector plus the
// evaluation results and ranking metadata attached to it over its lifetime.
//
// Ranking attributes (Energy, Rank, Distance, Fitness) are nil until the
// ranking algorithms have run. They serialize as JSON null so a checkpoint
// written before the first block evaluation round-trips losslessly.
type Individual struct {
	// ModelID is a unique, monotonically assigned identifier.
	ModelID int `json:"id"`

	// X is the parameter vector. Fixed length, immutable after creation.
	X []float64 `json:"x"`

	// Features and Objectives are set once, after external evaluation.
	Features   []float64 `json:"features,omitempty"`
	Objectives []float64 `json:"objectives,omitempty"`

	// Normalized holds the normalized objectives (same length as Objectives).
	Normalized []float64 `json:"normalized_objectives,omitempty"`

	// Energy is the sum of (normalized) objectives.
	Energy *float64 `json:"energy"`

	// Rank is the total order index within a ranking pass (0 = best).
	Rank *int `json:"rank"`

	// Distance is the crowding distance within a fitness front.
	Distance *float64 `json:"distance"`

	// Fitness is the Pareto front index (0 = non-dominated front).
	Fitness *int `json:"fitness"`

	// Survivor marks individuals selected to seed the next block.
	Survivor bool `json:"survivor"`
}

// NewIndividual creates an individual from a parameter vector.
// The vector is copied so the caller may reuse its buffer.
func NewIndividual(x []float64, modelID int) *Individual {
	xc := make([]float64, len(x))
	copy(xc, x)
	return &Individual{ModelID: modelID, X: xc}
}

// Clone returns a deep copy. Storage relies on this to keep recorded
// generations independent of the driver's live population.
func (ind *Individual) Clone() *Individual {
	c := &Individual{
		ModelID:  ind.ModelID,
		Survivor: ind.Survivor,
	}
	c.X = cloneFloats(ind.X)
	c.Features = cloneFloats(ind.Features)
	c.Objectives = cloneFloats(ind.Objectives)
	c.Normalized = cloneFloats(ind.Normalized)
	c.Energy = cloneFloatPtr(ind.Energy)
	c.Rank = cloneIntPtr(ind.Rank)
	c.Distance = cloneFloatPtr(ind.Distance)
	c.Fitness = cloneIntPtr(ind.Fitness)
	return c
}

// StripEvaluation drops features, objectives and derived ranking attributes.
// Failed individuals are recorded with parameters and identity only.
func (ind *Individual) StripEvaluation() {
	ind.Features = nil
	ind.Objectives = nil
	ind.Normalized = nil
	ind.Energy = nil
	ind.Rank = nil
	ind.Distance = nil
	ind.Fitness = nil
	ind.Survivor = false
}

// Evaluated reports whether objectives have been stored.
func (ind *Individual) Evaluated() bool {
	return ind.Objectives != nil
}

// ClonePopulation deep-copies a population slice.
func ClonePopulation(population []*Individual) []*Individual {
	if population == nil {
		return nil
	}
	out := make([]*Individual, len(population))
	for i, ind := range population {
		out[i] = ind.Clone()
	}
	return out
}

func cloneFloats(s []float64) []float64 {
	if s == nil {
		return nil
	}
	c := make([]float64, len(s))
	copy(c, s)
	return c
}

func cloneFloatPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }
