package optimize

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/cwbudde/popanneal/internal/pop"
)

// parabola is a single-objective test evaluator with its optimum at x = 30.
func parabola(params [][]float64) (features, objectives []map[string]float64) {
	features = make([]map[string]float64, len(params))
	objectives = make([]map[string]float64, len(params))
	for i, x := range params {
		features[i] = map[string]float64{"x": x[0]}
		objectives[i] = map[string]float64{"sse": (x[0] - 30) * (x[0] - 30)}
	}
	return features, objectives
}

func annealingConfig() Config {
	cfg := DefaultConfig()
	cfg.ParamNames = []string{"p"}
	cfg.FeatureNames = []string{"x"}
	cfg.ObjectiveNames = []string{"sse"}
	cfg.Bounds = [][2]float64{{0, 100}}
	cfg.X0 = []float64{50}
	cfg.PopSize = 10
	cfg.PathLength = 2
	cfg.MaxIter = 3
	cfg.Seed = 7
	return cfg
}

func runToCompletion(t *testing.T, d *PopulationAnnealing) {
	t.Helper()
	for {
		batch, done, err := d.NextBatch()
		if err != nil {
			t.Fatalf("NextBatch failed: %v", err)
		}
		if done {
			return
		}
		features, objectives := parabola(batch.Params)
		if err := d.SubmitResults(features, objectives); err != nil {
			t.Fatalf("SubmitResults failed: %v", err)
		}
	}
}

func TestAnnealingEndToEnd(t *testing.T) {
	d, err := NewPopulationAnnealing(annealingConfig())
	if err != nil {
		t.Fatalf("NewPopulationAnnealing failed: %v", err)
	}
	runToCompletion(t, d)

	storage := d.Storage()
	if storage.Generations() != 6 {
		t.Fatalf("recorded %d generations, want path_length * max_iter = 6", storage.Generations())
	}

	last := storage.Generations() - 1
	survivors := storage.Survivors[last]
	if len(survivors) == 0 {
		t.Fatal("final generation has no survivors")
	}

	// Every survivor must beat every non-survivor of the final candidate
	// pool on the single objective.
	worstSurvivor := math.Inf(-1)
	for _, ind := range survivors {
		worstSurvivor = math.Max(worstSurvivor, ind.Objectives[0])
	}
	survivorIDs := make(map[int]bool)
	for _, ind := range survivors {
		survivorIDs[ind.ModelID] = true
	}
	pool := append([]*pop.Individual{}, storage.History[last]...)
	pool = append(pool, storage.History[last-1]...)
	for _, ind := range pool {
		if !survivorIDs[ind.ModelID] && ind.Objectives[0] < worstSurvivor {
			t.Errorf("non-survivor model %d (objective %g) beats survivor objective %g",
				ind.ModelID, ind.Objectives[0], worstSurvivor)
		}
	}
}

func TestAnnealingStepSizeAnneals(t *testing.T) {
	cfg := annealingConfig()
	d, err := NewPopulationAnnealing(cfg)
	if err != nil {
		t.Fatalf("NewPopulationAnnealing failed: %v", err)
	}
	runToCompletion(t, d)

	vals := d.Storage().Attribute("step_size")
	if len(vals) != 6 {
		t.Fatalf("step_size recorded for %d generations, want 6", len(vals))
	}
	first, last := *vals[0], *vals[5]
	if first != cfg.InitialStepSize {
		t.Errorf("first recorded step size = %g, want %g", first, cfg.InitialStepSize)
	}
	want := cfg.InitialStepSize * cfg.AdaptiveStepFactor * cfg.AdaptiveStepFactor
	if math.Abs(last-want) > 1e-12 {
		t.Errorf("final step size = %g, want %g after two annealings", last, want)
	}
}

func TestAnnealingSequencing(t *testing.T) {
	d, err := NewPopulationAnnealing(annealingConfig())
	if err != nil {
		t.Fatalf("NewPopulationAnnealing failed: %v", err)
	}

	// Results before any batch is out.
	if err := d.SubmitResults(nil, nil); !errors.Is(err, ErrNoBatch) {
		t.Fatalf("SubmitResults error = %v, want ErrNoBatch", err)
	}

	batch, done, err := d.NextBatch()
	if err != nil || done {
		t.Fatalf("NextBatch = %v, done %v", err, done)
	}
	if len(batch.Params) != 10 {
		t.Fatalf("batch size = %d, want pop size 10", len(batch.Params))
	}
	// The first slot of the seed generation is the unperturbed x0.
	if batch.Params[0][0] != 50 {
		t.Errorf("seed batch slot 0 = %v, want x0", batch.Params[0])
	}

	// Advancing again without submitting is a sequencing bug.
	if _, _, err := d.NextBatch(); !errors.Is(err, ErrResultsPending) {
		t.Fatalf("NextBatch error = %v, want ErrResultsPending", err)
	}

	features, objectives := parabola(batch.Params)
	if err := d.SubmitResults(features, objectives[:5]); err == nil {
		t.Fatal("SubmitResults accepted a short result list")
	}
	if err := d.SubmitResults(features, objectives); err != nil {
		t.Fatalf("SubmitResults failed: %v", err)
	}
}

func TestAnnealingPartialFailure(t *testing.T) {
	d, err := NewPopulationAnnealing(annealingConfig())
	if err != nil {
		t.Fatalf("NewPopulationAnnealing failed: %v", err)
	}
	batch, _, err := d.NextBatch()
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	features, objectives := parabola(batch.Params)
	// Two individuals come back without the required objective key.
	objectives[3] = map[string]float64{}
	delete(features[7], "x")
	if err := d.SubmitResults(features, objectives); err != nil {
		t.Fatalf("SubmitResults failed: %v", err)
	}

	storage := d.Storage()
	if got := len(storage.Failed[0]); got != 2 {
		t.Errorf("failed group holds %d individuals, want 2", got)
	}
	if got := len(storage.History[0]); got != 8 {
		t.Errorf("population group holds %d individuals, want 8", got)
	}
	if storage.Count != 10 {
		t.Errorf("count = %d, want all 10 created individuals", storage.Count)
	}
}

func TestAnnealingHotStartResumes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	cfg := annealingConfig()
	cfg.StoragePath = path
	cfg.MaxIter = 2

	d, err := NewPopulationAnnealing(cfg)
	if err != nil {
		t.Fatalf("NewPopulationAnnealing failed: %v", err)
	}
	runToCompletion(t, d)
	if d.Storage().Generations() != 4 {
		t.Fatalf("first run recorded %d generations, want 4", d.Storage().Generations())
	}
	stepAfterFirstRun := d.StepSize()

	resumedCfg := annealingConfig()
	resumedCfg.StoragePath = path
	resumedCfg.HotStart = true
	resumedCfg.MaxIter = 3
	resumed, err := NewPopulationAnnealing(resumedCfg)
	if err != nil {
		t.Fatalf("hot start failed: %v", err)
	}
	if resumed.Generation() != 4 {
		t.Errorf("resumed at generation %d, want 4", resumed.Generation())
	}
	if resumed.StepSize() != stepAfterFirstRun {
		t.Errorf("resumed step size = %g, want %g", resumed.StepSize(), stepAfterFirstRun)
	}

	runToCompletion(t, resumed)
	if resumed.Storage().Generations() != 6 {
		t.Fatalf("resumed run recorded %d generations, want 6", resumed.Storage().Generations())
	}
}

func TestAnnealingHotStartRequiresCheckpoint(t *testing.T) {
	cfg := annealingConfig()
	cfg.HotStart = true
	cfg.StoragePath = filepath.Join(t.TempDir(), "absent.jsonl")
	if _, err := NewPopulationAnnealing(cfg); err == nil {
		t.Fatal("hot start accepted a missing checkpoint file")
	}
}
