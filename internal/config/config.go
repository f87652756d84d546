package config

import (
	"fmt"
	"os"

	"github.com/cwbudde/popanneal/internal/optimize"
	"github.com/cwbudde/popanneal/internal/pop"
	"gopkg.in/yaml.v3"
)

// file mirrors the YAML document. Driver knobs are pointers so absent keys
// fall back to the driver defaults instead of zero values.
type file struct {
	ParamNames     []string             `yaml:"param_names"`
	FeatureNames   []string             `yaml:"feature_names"`
	ObjectiveNames []string             `yaml:"objective_names"`
	Bounds         map[string][]float64 `yaml:"bounds"`
	RelBounds      []relBound           `yaml:"rel_bounds"`
	X0             map[string]float64   `yaml:"x0"`

	// DefaultParams pins parameters to fixed values by collapsing their
	// bounds, excluding them from the search without changing vector layout.
	DefaultParams map[string]float64 `yaml:"default_params"`

	PopSize            *int     `yaml:"pop_size"`
	MaxIter            *int     `yaml:"max_iter"`
	PathLength         *int     `yaml:"path_length"`
	InitialStepSize    *float64 `yaml:"initial_step_size"`
	AdaptiveStepFactor *float64 `yaml:"adaptive_step_factor"`
	SurvivalRate       *float64 `yaml:"survival_rate"`
	DiversityRate      *float64 `yaml:"diversity_rate"`
	FitnessRange       *int     `yaml:"fitness_range"`
	Normalize          *string  `yaml:"normalize"`
	WrapBounds         *bool    `yaml:"wrap_bounds"`
	SpecialistsSurvive *bool    `yaml:"specialists_survive"`
	Ranker             *string  `yaml:"ranker"`
	Selector           *string  `yaml:"selector"`
}

// relBound decodes a `[dep, op, factor, indep]` YAML row.
type relBound struct {
	rule optimize.RelBoundRule
}

func (r *relBound) UnmarshalYAML(value *yaml.Node) error {
	var row []yaml.Node
	if err := value.Decode(&row); err != nil {
		return fmt.Errorf("rel_bounds rows must be [dep, op, factor, indep] sequences: %w", err)
	}
	if len(row) != 4 {
		return fmt.Errorf("rel_bounds row has %d elements, expected 4", len(row))
	}
	if err := row[0].Decode(&r.rule.Dep); err != nil {
		return fmt.Errorf("rel_bounds dependent parameter: %w", err)
	}
	if err := row[1].Decode(&r.rule.Op); err != nil {
		return fmt.Errorf("rel_bounds operator: %w", err)
	}
	if err := row[2].Decode(&r.rule.Factor); err != nil {
		return fmt.Errorf("rel_bounds factor: %w", err)
	}
	if err := row[3].Decode(&r.rule.Indep); err != nil {
		return fmt.Errorf("rel_bounds independent parameter: %w", err)
	}
	return nil
}

// Load reads a YAML optimization config and resolves it into a driver
// configuration. Validation failures are fatal and name the offending field
// and file.
func Load(path string) (optimize.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return optimize.Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return optimize.Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg, err := f.resolve()
	if err != nil {
		return optimize.Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (f *file) resolve() (optimize.Config, error) {
	cfg := optimize.DefaultConfig()
	if len(f.ParamNames) == 0 {
		return cfg, fmt.Errorf("param_names must be specified")
	}
	if len(f.FeatureNames) == 0 {
		return cfg, fmt.Errorf("feature_names must be specified")
	}
	if len(f.ObjectiveNames) == 0 {
		return cfg, fmt.Errorf("objective_names must be specified")
	}
	index := make(map[string]int, len(f.ParamNames))
	for i, name := range f.ParamNames {
		if _, dup := index[name]; dup {
			return cfg, fmt.Errorf("param_names: duplicate parameter %q", name)
		}
		index[name] = i
	}
	cfg.ParamNames = f.ParamNames
	cfg.FeatureNames = f.FeatureNames
	cfg.ObjectiveNames = f.ObjectiveNames

	if len(f.Bounds) > 0 {
		cfg.Bounds = make([][2]float64, len(f.ParamNames))
		for i, name := range f.ParamNames {
			b, ok := f.Bounds[name]
			if !ok {
				return cfg, fmt.Errorf("bounds: missing entry for parameter %q", name)
			}
			if len(b) != 2 {
				return cfg, fmt.Errorf("bounds: entry for %q has %d values, expected [min, max]", name, len(b))
			}
			if b[0] > b[1] {
				return cfg, fmt.Errorf("bounds: entry for %q has min %g > max %g", name, b[0], b[1])
			}
			cfg.Bounds[i] = [2]float64{b[0], b[1]}
		}
		for name := range f.Bounds {
			if _, ok := index[name]; !ok {
				return cfg, fmt.Errorf("bounds: unknown parameter %q", name)
			}
		}
	}

	if len(f.X0) > 0 {
		cfg.X0 = make([]float64, len(f.ParamNames))
		for i, name := range f.ParamNames {
			v, ok := f.X0[name]
			if !ok {
				return cfg, fmt.Errorf("x0: missing value for parameter %q", name)
			}
			cfg.X0[i] = v
		}
		for name := range f.X0 {
			if _, ok := index[name]; !ok {
				return cfg, fmt.Errorf("x0: unknown parameter %q", name)
			}
		}
	}
	if cfg.X0 == nil && cfg.Bounds == nil {
		return cfg, fmt.Errorf("either x0 or bounds must be specified")
	}

	for name, v := range f.DefaultParams {
		i, ok := index[name]
		if !ok {
			return cfg, fmt.Errorf("default_params: unknown parameter %q", name)
		}
		if cfg.Bounds == nil {
			return cfg, fmt.Errorf("default_params: bounds must be specified to pin parameter %q", name)
		}
		cfg.Bounds[i] = [2]float64{v, v}
		if cfg.X0 != nil {
			cfg.X0[i] = v
		}
	}

	for _, rb := range f.RelBounds {
		cfg.RelBounds = append(cfg.RelBounds, rb.rule)
	}

	if f.PopSize != nil {
		cfg.PopSize = *f.PopSize
	}
	if f.MaxIter != nil {
		cfg.MaxIter = *f.MaxIter
	}
	if f.PathLength != nil {
		cfg.PathLength = *f.PathLength
	}
	if f.InitialStepSize != nil {
		cfg.InitialStepSize = *f.InitialStepSize
	}
	if f.AdaptiveStepFactor != nil {
		cfg.AdaptiveStepFactor = *f.AdaptiveStepFactor
	}
	if f.SurvivalRate != nil {
		cfg.SurvivalRate = *f.SurvivalRate
	}
	if f.DiversityRate != nil {
		cfg.DiversityRate = *f.DiversityRate
	}
	if f.FitnessRange != nil {
		cfg.FitnessRange = *f.FitnessRange
	}
	if f.Normalize != nil {
		mode, err := pop.ParseNormalizeMode(*f.Normalize)
		if err != nil {
			return cfg, fmt.Errorf("normalize: %w", err)
		}
		cfg.Normalize = mode
	}
	if f.WrapBounds != nil {
		cfg.WrapBounds = *f.WrapBounds
	}
	if f.SpecialistsSurvive != nil {
		cfg.SpecialistsSurvive = *f.SpecialistsSurvive
	}
	if f.Ranker != nil {
		if _, err := pop.ResolveRanker(*f.Ranker); err != nil {
			return cfg, fmt.Errorf("ranker: %w", err)
		}
		cfg.RankerName = *f.Ranker
	}
	if f.Selector != nil {
		if _, err := pop.ResolveSelector(*f.Selector); err != nil {
			return cfg, fmt.Errorf("selector: %w", err)
		}
		cfg.SelectorName = *f.Selector
	}
	return cfg, nil
}
