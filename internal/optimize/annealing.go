package optimize

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/cwbudde/popanneal/internal/pop"
	"github.com/cwbudde/popanneal/internal/store"
)

// Sequencing errors. Hitting one signals driver misuse, never a recoverable
// runtime condition.
var (
	// ErrResultsPending is returned by NextBatch when results for the
	// previous batch have not been submitted yet.
	ErrResultsPending = errors.New("optimize: results for the previous generation have not been submitted")

	// ErrNoBatch is returned by SubmitResults when no batch is outstanding.
	ErrNoBatch = errors.New("optimize: no batch is awaiting results")
)

// Batch is one generation of candidates awaiting external evaluation.
// Params[i] belongs to ModelIDs[i].
type Batch struct {
	Params   [][]float64
	ModelIDs []int
}

// Driver is the protocol shared by all optimization drivers. The caller
// alternates strictly: NextBatch, evaluate externally, SubmitResults. No two
// generations are ever in flight at once.
type Driver interface {
	// NextBatch advances the internal state machine and returns the next
	// generation of candidates. done reports run exhaustion.
	NextBatch() (batch Batch, done bool, err error)

	// SubmitResults stores the evaluation results for the outstanding batch,
	// in batch order. Individuals whose maps miss a configured feature or
	// objective key are demoted to failed.
	SubmitResults(features, objectives []map[string]float64) error

	// Storage exposes the recorded generation history.
	Storage() *store.PopulationStorage
}

// Config carries the construction parameters shared by the drivers. Start
// from DefaultConfig and override.
type Config struct {
	ParamNames     []string
	FeatureNames   []string
	ObjectiveNames []string

	PopSize    int
	X0         []float64
	Bounds     [][2]float64
	RelBounds  []RelBoundRule
	WrapBounds bool
	Seed       int64

	Normalize          pop.NormalizeMode
	MaxIter            int
	PathLength         int
	InitialStepSize    float64
	AdaptiveStepFactor float64
	SurvivalRate       float64
	DiversityRate      float64
	FitnessRange       int
	SpecialistsSurvive bool

	// HotStart resumes from StoragePath, repairing a partially written final
	// generation. StoragePath must name an existing checkpoint file.
	HotStart    bool
	StoragePath string

	// Ranker and Selector override the named strategies when non-nil.
	Ranker       pop.Ranker
	Selector     pop.Selector
	RankerName   string
	SelectorName string
}

// DefaultConfig returns the driver defaults.
func DefaultConfig() Config {
	return Config{
		PopSize:            1,
		Normalize:          pop.NormalizeGlobal,
		MaxIter:            50,
		PathLength:         3,
		InitialStepSize:    0.5,
		AdaptiveStepFactor: 0.9,
		SurvivalRate:       0.2,
		DiversityRate:      0.05,
		FitnessRange:       2,
		SpecialistsSurvive: true,
		RankerName:         "annealing",
		SelectorName:       "rank_and_fitness",
	}
}

func (c *Config) resolveStrategies() (pop.Ranker, pop.Selector, error) {
	ranker := c.Ranker
	if ranker == nil {
		var err error
		if ranker, err = pop.ResolveRanker(c.RankerName); err != nil {
			return nil, nil, err
		}
	}
	selector := c.Selector
	if selector == nil {
		var err error
		if selector, err = pop.ResolveSelector(c.SelectorName); err != nil {
			return nil, nil, err
		}
	}
	return ranker, selector, nil
}

// PopulationAnnealing proposes candidate parameter vectors in generations,
// annealing the step size toward convergence. Each iteration the population
// takes PathLength independent steps within bounds, then survivors and
// per-objective specialists are selected to seed the next iteration.
//
// The driver is single-threaded; only the caller-side evaluation of a
// yielded batch may be concurrent.
type PopulationAnnealing struct {
	cfg      Config
	takeStep *RelativeBoundedStep
	storage  *store.PopulationStorage
	ranker   pop.Ranker
	selector pop.Selector
	rng      *rand.Rand

	population      []*pop.Individual
	survivors       []*pop.Individual
	specialists     []*pop.Individual
	prevSurvivors   []*pop.Individual
	prevSpecialists []*pop.Individual
	minObjectives   []float64
	maxObjectives   []float64

	numGen         int
	maxGens        int
	count          int
	numSurvivors   int
	numDiversity   int
	resultsPending bool
}

// NewPopulationAnnealing validates the configuration and builds the driver.
// With HotStart set, the generation counter, population, survivors,
// specialists, objective extrema and step size are restored from the
// checkpoint at StoragePath; a corrupt final generation record is discarded
// before resuming.
func NewPopulationAnnealing(cfg Config) (*PopulationAnnealing, error) {
	if cfg.PopSize < 1 {
		return nil, fmt.Errorf("optimize: population size must be at least 1, got %d", cfg.PopSize)
	}
	if cfg.MaxIter < 1 || cfg.PathLength < 1 {
		return nil, fmt.Errorf("optimize: max iterations and path length must be at least 1")
	}
	if cfg.AdaptiveStepFactor <= 0 || cfg.AdaptiveStepFactor > 1 {
		return nil, fmt.Errorf("optimize: adaptive step factor must be in (0, 1], got %g", cfg.AdaptiveStepFactor)
	}
	if cfg.SurvivalRate <= 0 || cfg.SurvivalRate > 1 {
		return nil, fmt.Errorf("optimize: survival rate must be in (0, 1], got %g", cfg.SurvivalRate)
	}
	ranker, selector, err := cfg.resolveStrategies()
	if err != nil {
		return nil, err
	}

	d := &PopulationAnnealing{
		cfg:      cfg,
		ranker:   ranker,
		selector: selector,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
	stepsize := cfg.InitialStepSize

	if cfg.HotStart {
		if cfg.StoragePath == "" {
			return nil, fmt.Errorf("optimize: cannot hot start without a checkpoint file path")
		}
		storage, repaired, err := store.LoadRepair(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("optimize: hot start: %w", err)
		}
		d.storage = storage
		d.cfg.ParamNames = storage.ParamNames
		d.cfg.FeatureNames = storage.FeatureNames
		d.cfg.ObjectiveNames = storage.ObjectiveNames
		d.cfg.PathLength = storage.PathLength
		d.cfg.Normalize = storage.Normalize
		if s, ok := storage.LastAttribute("step_size"); ok {
			stepsize = s
		}
		d.numGen = storage.Generations()
		d.count = storage.Count
		if last := storage.Generations() - 1; last >= 0 {
			d.population = storage.History[last]
			d.survivors = storage.Survivors[last]
			d.specialists = storage.Specialists[last]
			d.minObjectives = storage.MinObjectives[last]
			d.maxObjectives = storage.MaxObjectives[last]
		}
		slog.Info("Resuming optimization from checkpoint", "path", cfg.StoragePath,
			"generations", d.numGen, "stepSize", stepsize, "repaired", repaired)
	} else {
		storage, err := store.New(cfg.ParamNames, cfg.FeatureNames, cfg.ObjectiveNames, cfg.PathLength, cfg.Normalize)
		if err != nil {
			return nil, err
		}
		d.storage = storage
	}

	d.takeStep, err = NewRelativeBoundedStep(StepConfig{
		ParamNames: d.cfg.ParamNames,
		X0:         cfg.X0,
		Bounds:     cfg.Bounds,
		RelBounds:  cfg.RelBounds,
		Stepsize:   stepsize,
		Wrap:       cfg.WrapBounds,
		Rand:       d.rng,
	})
	if err != nil {
		return nil, err
	}

	d.maxGens = d.cfg.PathLength * cfg.MaxIter
	d.numSurvivors = max(1, int(float64(cfg.PopSize)*cfg.SurvivalRate))
	d.numDiversity = int(float64(cfg.PopSize) * cfg.DiversityRate)
	return d, nil
}

// Storage returns the recorded generation history.
func (d *PopulationAnnealing) Storage() *store.PopulationStorage { return d.storage }

// Generation returns the zero-based index of the current generation.
func (d *PopulationAnnealing) Generation() int { return d.numGen }

// StepSize returns the current fractional step size.
func (d *PopulationAnnealing) StepSize() float64 { return d.takeStep.Stepsize }

// NextBatch builds and returns the next generation of candidates: the seed
// generation steps from x0 with maximal exploration, the first generation of
// every later iteration anneals the step size and steps from the previous
// iteration's survivors and specialists, and all other generations continue
// stepping the current population.
func (d *PopulationAnnealing) NextBatch() (Batch, bool, error) {
	if d.resultsPending {
		return Batch{}, false, ErrResultsPending
	}
	if d.numGen >= d.maxGens {
		return Batch{}, true, nil
	}
	var err error
	switch {
	case d.numGen == 0:
		err = d.initPopulation()
	case d.numGen%d.cfg.PathLength == 0:
		err = d.stepSurvivors()
	default:
		err = d.stepPopulation()
	}
	if err != nil {
		return Batch{}, false, err
	}
	d.resultsPending = true
	slog.Debug("Yielding generation", "generation", d.numGen, "populationSize", len(d.population),
		"stepSize", d.takeStep.Stepsize)
	return d.batch(), false, nil
}

func (d *PopulationAnnealing) batch() Batch {
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
	return b
}

// SubmitResults stores the evaluation results for the outstanding batch, in
// batch order, and appends the generation to storage. Individuals whose maps
// miss a configured key are demoted to failed; they are recorded but never
// ranked. At the end of every iteration (PathLength generations) the
// candidates of the whole iteration are ranked, survivors and specialists
// selected, and the iteration checkpointed.
func (d *PopulationAnnealing) SubmitResults(features, objectives []map[string]float64) error {
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
		Attributes:      map[string]float64{"step_size": d.takeStep.Stepsize},
	})
	d.prevSurvivors = nil
	d.prevSpecialists = nil
	d.resultsPending = false
	slog.Info("Generation evaluated", "generation", d.numGen,
		"evaluated", len(d.population), "failed", len(failed))

	if (d.numGen+1)%d.cfg.PathLength == 0 {
		if err := d.finishIteration(); err != nil {
			return err
		}
		if d.cfg.StoragePath != "" {
			if err := d.storage.Save(d.cfg.StoragePath, d.cfg.PathLength); err != nil {
				return err
			}
		}
	}
	d.numGen++
	return nil
}

// finishIteration ranks the iteration's candidate pool and selects survivors
// and specialists. Ranking operates on the stored individuals directly, so
// the attributes land in the history records before they are checkpointed.
func (d *PopulationAnnealing) finishIteration() error {
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
	d.survivors, err = d.selector(candidates, pop.SelectionParams{
		NumSurvivors: d.numSurvivors,
		NumDiversity: d.numDiversity,
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
	slog.Info("Iteration complete", "generation", d.numGen, "candidates", len(candidates),
		"survivors", len(d.survivors), "specialists", len(d.specialists))
	return d.storage.UpdateLast(d.survivors, d.specialists, d.minObjectives, d.maxObjectives)
}

// candidates gathers the iteration's selection pool: the survivors and
// specialists that seeded it plus every population of its PathLength
// generations. Seeding individuals recorded in both groups count once.
func (d *PopulationAnnealing) candidates() []*pop.Individual {
	gens := d.storage.Generations()
	var out []*pop.Individual
	if i := gens - d.cfg.PathLength; i >= 0 {
		seen := make(map[int]bool)
		for _, ind := range d.storage.PrevSurvivors[i] {
			if !seen[ind.ModelID] {
				seen[ind.ModelID] = true
				out = append(out, ind)
			}
		}
		if d.cfg.SpecialistsSurvive {
			for _, ind := range d.storage.PrevSpecialists[i] {
				if !seen[ind.ModelID] {
					seen[ind.ModelID] = true
					out = append(out, ind)
				}
			}
		}
	}
	for i := 1; i <= d.cfg.PathLength && i <= gens; i++ {
		out = append(out, d.storage.History[gens-i]...)
	}
	return out
}

// initPopulation seeds the run: one unperturbed slot for x0 plus maximal
// full-range exploration steps (stepsize 1, wrapping) for the rest.
func (d *PopulationAnnealing) initPopulation() error {
	popSize := d.cfg.PopSize
	d.population = make([]*pop.Individual, 0, popSize)
	if d.cfg.X0 != nil && d.numGen == 0 {
		d.population = append(d.population, pop.NewIndividual(d.takeStep.X0(), d.count))
		d.count++
		popSize--
	}
	for i := 0; i < popSize; i++ {
		x, err := d.takeStep.StepWith(d.takeStep.X0(), 1.0, true)
		if err != nil {
			return err
		}
		d.population = append(d.population, pop.NewIndividual(x, d.count))
		d.count++
	}
	return nil
}

// stepSurvivors anneals the step size and seeds the next iteration's
// population with steps taken round-robin from the previous iteration's
// survivors and specialists. With no survivors yet, the population reseeds.
func (d *PopulationAnnealing) stepSurvivors() error {
	newStepSize := d.takeStep.Stepsize * d.cfg.AdaptiveStepFactor
	slog.Debug("Annealing step size", "generation", d.numGen,
		"previous", d.takeStep.Stepsize, "new", newStepSize)
	d.takeStep.Stepsize = newStepSize
	if len(d.survivors) == 0 {
		if err := d.initPopulation(); err != nil {
			return err
		}
	} else {
		d.prevSurvivors = pop.ClonePopulation(d.survivors)
		d.prevSpecialists = pop.ClonePopulation(d.specialists)
		group := d.prevSurvivors
		if d.cfg.SpecialistsSurvive {
			group = append(group[:len(group):len(group)], d.prevSpecialists...)
		}
		for _, ind := range group {
			ind.Survivor = false
		}
		newPopulation := make([]*pop.Individual, 0, d.cfg.PopSize)
		for i := 0; i < d.cfg.PopSize; i++ {
			x, err := d.takeStep.Step(group[i%len(group)].X)
			if err != nil {
				return err
			}
			newPopulation = append(newPopulation, pop.NewIndividual(x, d.count))
			d.count++
		}
		d.population = newPopulation
	}
	d.survivors = nil
	d.specialists = nil
	return nil
}

// stepPopulation continues the current path: every individual of the next
// generation steps from a current one, round-robin.
func (d *PopulationAnnealing) stepPopulation() error {
	if len(d.population) == 0 {
		return d.initPopulation()
	}
	current := d.population
	newPopulation := make([]*pop.Individual, 0, d.cfg.PopSize)
	for i := 0; i < d.cfg.PopSize; i++ {
		x, err := d.takeStep.Step(current[i%len(current)].X)
		if err != nil {
			return err
		}
		newPopulation = append(newPopulation, pop.NewIndividual(x, d.count))
		d.count++
	}
	d.population = newPopulation
	return nil
}

// partitionResults attaches features and objectives (ordered by the
// configured names) to each individual, splitting off those whose result
// maps miss a required key.
func partitionResults(population []*pop.Individual, features, objectives []map[string]float64,
	featureNames, objectiveNames []string) (evaluated, failed []*pop.Individual) {
	for i, ind := range population {
		featureVec, okF := orderedValues(features[i], featureNames)
		objectiveVec, okO := orderedValues(objectives[i], objectiveNames)
		if !okF || !okO {
			failed = append(failed, ind)
			continue
		}
		ind.Features = featureVec
		ind.Objectives = objectiveVec
		evaluated = append(evaluated, ind)
	}
	return evaluated, failed
}

func orderedValues(m map[string]float64, names []string) ([]float64, bool) {
	out := make([]float64, len(names))
	for i, name := range names {
		v, ok := m[name]
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}
