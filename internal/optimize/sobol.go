package optimize

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/cwbudde/popanneal/internal/store"
)

// Analyzer consumes the completed generation history once a Sobol run has
// exhausted its sample matrix, e.g. to run a variance decomposition. The
// analysis itself lives outside this package.
type Analyzer func(storage *store.PopulationStorage) error

// SobolConfig configures the Sobol driver. NumModels caps the number of
// evaluations; the generated sample uses the largest n with n*(2d+2) <=
// NumModels, d being the parameter count.
type SobolConfig struct {
	PregenConfig
	NumModels int
	Analyzer  Analyzer
}

// Sobol is a Pregenerated driver over a Saltelli cross-sampling matrix,
// generated and saved on first use and reloaded afterwards. When an Analyzer
// is configured it runs once after the final generation is recorded.
type Sobol struct {
	*Pregenerated
	analyzer Analyzer
}

// NewSobol builds the driver. A missing parameter file is generated from the
// configured bounds (hot start requires both the parameter and checkpoint
// files to exist already).
func NewSobol(cfg SobolConfig) (*Sobol, error) {
	if cfg.NumModels < 1 {
		return nil, fmt.Errorf("optimize: number of models must be specified")
	}
	if cfg.ParamFilePath == "" {
		return nil, fmt.Errorf("optimize: path to the parameter file must be specified")
	}
	paramsExist := fileExists(cfg.ParamFilePath)
	if cfg.HotStart {
		if !paramsExist {
			return nil, fmt.Errorf("optimize: cannot hot start, parameter file %s does not exist", cfg.ParamFilePath)
		}
		if !fileExists(cfg.StoragePath) {
			return nil, fmt.Errorf("optimize: cannot hot start, checkpoint file %s does not exist", cfg.StoragePath)
		}
	}

	var params [][]float64
	var err error
	if paramsExist {
		params, err = LoadPregenParams(cfg.ParamFilePath)
		if err != nil {
			return nil, err
		}
		if len(params) > cfg.NumModels {
			return nil, fmt.Errorf("optimize: parameter file has %d rows but at most %d models were requested",
				len(params), cfg.NumModels)
		}
	} else {
		dim := len(cfg.ParamNames)
		if dim == 0 || len(cfg.Bounds) != dim {
			return nil, fmt.Errorf("optimize: parameter names and bounds are required to generate a sample matrix")
		}
		n := cfg.NumModels / (2*dim + 2)
		if n < 1 {
			return nil, fmt.Errorf("optimize: %d models is too few for a sample over %d parameters (need at least %d)",
				cfg.NumModels, dim, 2*dim+2)
		}
		params = SaltelliSample(cfg.Bounds, n, rand.New(rand.NewSource(cfg.Seed)))
		if err := SavePregenParams(cfg.ParamFilePath, cfg.ParamNames, params); err != nil {
			return nil, err
		}
		slog.Info("Generated sample matrix", "path", cfg.ParamFilePath, "rows", len(params), "n", n)
	}

	if cfg.PopSize > cfg.NumModels {
		cfg.PopSize = cfg.NumModels
	}
	inner, err := newPregenerated(cfg.PregenConfig, params)
	if err != nil {
		return nil, err
	}
	return &Sobol{Pregenerated: inner, analyzer: cfg.Analyzer}, nil
}

// SubmitResults records the batch like Pregenerated and triggers the
// configured analysis once the matrix has been consumed.
func (d *Sobol) SubmitResults(features, objectives []map[string]float64) error {
	if err := d.Pregenerated.SubmitResults(features, objectives); err != nil {
		return err
	}
	if d.analyzer != nil && d.currIter >= d.maxIter {
		slog.Info("Sample matrix exhausted, running analysis", "generations", d.storage.Generations())
		if err := d.analyzer(d.storage); err != nil {
			return fmt.Errorf("optimize: analysis failed: %w", err)
		}
	}
	return nil
}

// SaltelliSample generates n*(2d+2) parameter rows for variance-based
// sensitivity analysis by cross-sampling two uniform matrices A and B: per
// base sample, the A row, the d rows AB_i (A with column i from B), the d
// rows BA_i, and the B row.
func SaltelliSample(bounds [][2]float64, n int, rng *rand.Rand) [][]float64 {
	d := len(bounds)
	rows := make([][]float64, 0, n*(2*d+2))
	uniformRow := func() []float64 {
		row := make([]float64, d)
		for i, b := range bounds {
			row[i] = b[0] + rng.Float64()*(b[1]-b[0])
		}
		return row
	}
	cross := func(base, other []float64, i int) []float64 {
		row := make([]float64, d)
		copy(row, base)
		row[i] = other[i]
		return row
	}
	for k := 0; k < n; k++ {
		a := uniformRow()
		b := uniformRow()
		rows = append(rows, a)
		for i := 0; i < d; i++ {
			rows = append(rows, cross(a, b, i))
		}
		for i := 0; i < d; i++ {
			rows = append(rows, cross(b, a, i))
		}
		rows = append(rows, b)
	}
	return rows
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
