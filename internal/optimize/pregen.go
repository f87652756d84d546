package optimize

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/cwbudde/popanneal/internal/pop"
	"github.com/cwbudde/popanneal/internal/store"
)

// PregenConfig configures the Pregenerated driver: a Config plus the path to
// the file holding the precomputed parameter matrix. PathLength, step and
// annealing knobs of the embedded Config are ignored; every generation is
// its own selection block.
type PregenConfig struct {
	Config
	ParamFilePath string
}

// Pregenerated proposes candidates by pulling fixed-size slices from a
// precomputed parameter matrix instead of stepping from survivors. The
// post-generation ranking, selection and checkpoint logic is the same as
// PopulationAnnealing's. Model IDs are row indices into the matrix.
type Pregenerated struct {
	cfg      PregenConfig
	storage  *store.PopulationStorage
	ranker   pop.Ranker
	selector pop.Selector

	pregenParams [][]float64
	numPoints    int
	popSize      int

	population      []*pop.Individual
	survivors       []*pop.Individual
	specialists     []*pop.Individual
	prevSurvivors   []*pop.Individual
	prevSpecialists []*pop.Individual
	minObjectives   []float64
	maxObjectives   []float64

	currIter       int
	maxIter        int
	resultsPending bool
}

// NewPregenerated loads the parameter matrix and, on hot start, the recorded
// history. A final recorded generation smaller than its expected batch size
// is treated as partially evaluated and discarded before resuming.
func NewPregenerated(cfg PregenConfig) (*Pregenerated, error) {
	if cfg.ParamFilePath == "" {
		return nil, fmt.Errorf("optimize: path to the pregenerated parameter file must be specified")
	}
	params, err := LoadPregenParams(cfg.ParamFilePath)
	if err != nil {
		return nil, err
	}
	return newPregenerated(cfg, params)
}

func newPregenerated(cfg PregenConfig, params [][]float64) (*Pregenerated, error) {
	if cfg.PopSize < 1 {
		return nil, fmt.Errorf("optimize: population size must be at least 1, got %d", cfg.PopSize)
	}
	if cfg.SurvivalRate <= 0 || cfg.SurvivalRate > 1 {
		return nil, fmt.Errorf("optimize: survival rate must be in (0, 1], got %g", cfg.SurvivalRate)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("optimize: pregenerated parameter matrix is empty")
	}
	ranker, selector, err := cfg.resolveStrategies()
	if err != nil {
		return nil, err
	}
	d := &Pregenerated{
		cfg:          cfg,
		ranker:       ranker,
		selector:     selector,
		pregenParams: params,
		numPoints:    len(params),
		popSize:      cfg.PopSize,
	}

	if cfg.HotStart {
		if cfg.StoragePath == "" {
			return nil, fmt.Errorf("optimize: cannot hot start without a checkpoint file path")
		}
		storage, repaired, err := store.LoadRepair(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("optimize: hot start: %w", err)
		}
		d.storage = storage
		d.cfg.Normalize = storage.Normalize
		if repaired {
			slog.Warn("Repaired corrupt checkpoint before resuming", "path", cfg.StoragePath)
		}
		if err := d.restoreProgress(); err != nil {
			return nil, err
		}
	} else {
		if cfg.StoragePath != "" {
			if _, err := os.Stat(cfg.StoragePath); err == nil {
				return nil, fmt.Errorf("optimize: checkpoint file %s already contains evaluated models; pass hot start to resume", cfg.StoragePath)
			}
		}
		d.storage, err = store.New(cfg.ParamNames, cfg.FeatureNames, cfg.ObjectiveNames, 1, cfg.Normalize)
		if err != nil {
			return nil, err
		}
	}
	d.maxIter = (d.numPoints + d.popSize - 1) / d.popSize
	return d, nil
}

// restoreProgress rebuilds the driver state from loaded storage: the batch
// size is inferred from the first recorded generation (evaluated plus
// failed), and a final generation whose recorded model count falls short of
// its expected batch size is discarded as partially evaluated.
func (d *Pregenerated) restoreProgress() error {
	gens := d.storage.Generations()
	if gens == 0 {
		return nil
	}
	d.popSize = len(d.storage.History[0]) + len(d.storage.Failed[0])
	if d.popSize == 0 {
		return fmt.Errorf("optimize: checkpoint records an empty first generation")
	}
	offset := 0
	for i := 0; i < gens; i++ {
		offset += len(d.storage.History[i]) + len(d.storage.Failed[i])
	}
	if offset > d.numPoints {
		return fmt.Errorf("optimize: checkpoint records %d evaluated models but the parameter matrix has only %d rows",
			offset, d.numPoints)
	}
	last := gens - 1
	expected := d.popSize
	if remaining := d.numPoints - last*d.popSize; remaining < expected {
		expected = remaining
	}
	if len(d.storage.History[last])+len(d.storage.Failed[last]) != expected {
		slog.Warn("Final recorded generation is partially evaluated, discarding", "generation", last)
		if err := d.storage.DropLast(d.cfg.StoragePath); err != nil {
			return err
		}
		gens--
	}
	d.currIter = gens
	if gens > 0 {
		last = gens - 1
		d.population = d.storage.History[last]
		d.survivors = d.storage.Survivors[last]
		d.specialists = d.storage.Specialists[last]
		d.minObjectives = d.storage.MinObjectives[last]
		d.maxObjectives = d.storage.MaxObjectives[last]
	}
	slog.Info("Resuming pregenerated run", "path", d.cfg.StoragePath, "generations", gens, "popSize", d.popSize)
	return nil
}

// Storage returns the recorded generation history.
func (d *Pregenerated) Storage() *store.PopulationStorage { return d.storage }

// Generation returns the zero-based index of the current generation.
func (d *Pregenerated) Generation() int { return d.currIter }

// NextBatch returns the next slice of the pregenerated matrix; the final
// slice may be smaller when the matrix size is not a popSize multiple.
func (d *Pregenerated) NextBatch() (Batch, bool, error) {
	if d.resultsPending {
		return Batch{}, false, ErrResultsPending
	}
	if d.currIter >= d.maxIter {
		return Batch{}, true, nil
	}
	lo := d.currIter * d.popSize
	hi := lo + d.popSize
	if hi > d.numPoints {
		hi = d.numPoints
	}
	d.population = make([]*pop.Individual, 0, hi-lo)
	for j := lo; j < hi; j++ {
		d.population = append(d.population, pop.NewIndividual(d.pregenParams[j], j))
	}
	d.prevSurvivors = pop.ClonePopulation(d.survivors)
	d.prevSpecialists = pop.ClonePopulation(d.specialists)
	d.resultsPending = true
	slog.Debug("Yielding pregenerated generation", "generation", d.currIter, "rows", hi-lo)

	b := Batch{
		Params:   make([][]float64, len(d.population)),
		ModelIDs: make([]int, len(d.population)),
	}
	for i, ind := range d.population {
		x := make([]float64, len(ind.X))
		copy(x, ind.X)
		b.Params[i] = x
		b.ModelIDs[i] = ind.ModelID
	}
	return b, false, nil
}

// SubmitResults stores the batch's evaluation results, then ranks and
// selects within the generation: every generation is its own selection block
// and is checkpointed immediately.
func (d *Pregenerated) SubmitResults(features, objectives []map[string]float64) error {
	if !d.resultsPending {
		return ErrNoBatch
	}
	if len(features) != len(d.population) || len(objectives) != len(d.population) {
		return fmt.Errorf("optimize: got %d feature and %d objective maps for population size %d",
			len(features), len(objectives), len(d.population))
	}
	evaluated, failed := partitionResults(d.population, features, objectives, d.cfg.FeatureNames, d.cfg.ObjectiveNames)
	d.population = evaluated

	d.storage.Append(store.Generation{
		Population:      d.population,
		PrevSurvivors:   d.prevSurvivors,
		PrevSpecialists: d.prevSpecialists,
		Failed:          failed,
		MinObjectives:   d.minObjectives,
		MaxObjectives:   d.maxObjectives,
	})
	d.prevSurvivors = nil
	d.prevSpecialists = nil
	d.resultsPending = false
	slog.Info("Generation evaluated", "generation", d.currIter,
		"evaluated", len(d.population), "failed", len(failed))

	if err := d.finishGeneration(); err != nil {
		return err
	}
	if d.cfg.StoragePath != "" {
		if err := d.storage.Save(d.cfg.StoragePath, 0); err != nil {
			return err
		}
	}
	d.currIter++
	return nil
}

func (d *Pregenerated) finishGeneration() error {
	candidates := d.candidates()
	if len(candidates) == 0 {
		return nil
	}
	var err error
	d.minObjectives, d.maxObjectives, err = pop.ObjectiveEdges(candidates, d.minObjectives, d.maxObjectives, d.cfg.Normalize)
	if err != nil {
		return err
	}
	if err := d.ranker(candidates, d.minObjectives, d.maxObjectives); err != nil {
		return err
	}
	d.specialists, err = pop.Specialists(candidates)
	if err != nil {
		return err
	}
	numSurvivors := max(1, int(float64(d.popSize)*d.cfg.SurvivalRate))
	d.survivors, err = d.selector(candidates, pop.SelectionParams{
		NumSurvivors: numSurvivors,
		FitnessRange: d.cfg.FitnessRange,
	})
	if err != nil {
		return err
	}
	for _, ind := range d.survivors {
		ind.Survivor = true
	}
	if d.cfg.SpecialistsSurvive {
		for _, ind := range d.specialists {
			ind.Survivor = true
		}
	}
	return d.storage.UpdateLast(d.survivors, d.specialists, d.minObjectives, d.maxObjectives)
}

// candidates pools the carried-over survivors and specialists with the just
// recorded population. Carried-over individuals may duplicate recorded ones
// under a different identity, so deduplication is by parameter vector.
func (d *Pregenerated) candidates() []*pop.Individual {
	last := d.storage.Generations() - 1
	var raw []*pop.Individual
	raw = append(raw, d.storage.PrevSurvivors[last]...)
	if d.cfg.SpecialistsSurvive {
		raw = append(raw, d.storage.PrevSpecialists[last]...)
	}
	raw = append(raw, d.storage.History[last]...)

	seen := make(map[string]bool, len(raw))
	out := make([]*pop.Individual, 0, len(raw))
	for _, ind := range raw {
		key := paramKey(ind.X)
		if !seen[key] {
			seen[key] = true
			out = append(out, ind)
		}
	}
	return out
}

func paramKey(x []float64) string {
	b, _ := json.Marshal(x)
	return string(b)
}

// Pregenerated parameter file: a single JSON document with the matrix and,
// for self-description, the parameter names.
type pregenFile struct {
	ParamNames []string    `json:"param_names,omitempty"`
	Params     [][]float64 `json:"params"`
}

// LoadPregenParams reads a pregenerated parameter matrix.
func LoadPregenParams(path string) ([][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter file: %w", err)
	}
	var f pregenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode parameter file %s: %w", path, err)
	}
	if len(f.Params) == 0 {
		return nil, fmt.Errorf("parameter file %s contains no parameter rows", path)
	}
	dim := len(f.Params[0])
	for i, row := range f.Params {
		if len(row) != dim {
			return nil, fmt.Errorf("parameter file %s: row %d has %d values, expected %d", path, i, len(row), dim)
		}
	}
	return f.Params, nil
}

// SavePregenParams writes a pregenerated parameter matrix.
func SavePregenParams(path string, paramNames []string, params [][]float64) error {
	data, err := json.Marshal(pregenFile{ParamNames: paramNames, Params: params})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write parameter file: %w", err)
	}
	return nil
}
