// Package bench provides built-in multi-objective test problems so an
// optimization run is executable end to end from the CLI. Real workloads
// supply their own evaluator through the same batch interface.
package bench

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Problem is one named benchmark: its parameter space and an evaluation
// function returning feature and objective maps keyed by the declared names.
type Problem struct {
	Name           string
	ParamNames     []string
	Bounds         [][2]float64
	X0             []float64
	FeatureNames   []string
	ObjectiveNames []string
	Eval           func(x []float64) (features, objectives map[string]float64)
}

var problems = map[string]Problem{}

func register(p Problem) {
	problems[p.Name] = p
}

// Lookup returns a benchmark problem by name.
func Lookup(name string) (Problem, error) {
	p, ok := problems[name]
	if !ok {
		return Problem{}, fmt.Errorf("bench: unknown problem %q (built-ins: %v)", name, Names())
	}
	return p, nil
}

// Names lists the registered problems.
func Names() []string {
	names := make([]string, 0, len(problems))
	for name := range problems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	register(Problem{
		Name:           "sphere",
		ParamNames:     []string{"x1", "x2", "x3"},
		Bounds:         [][2]float64{{-5.12, 5.12}, {-5.12, 5.12}, {-5.12, 5.12}},
		X0:             []float64{2, 2, 2},
		FeatureNames:   []string{"radius"},
		ObjectiveNames: []string{"sphere"},
		Eval: func(x []float64) (map[string]float64, map[string]float64) {
			ss := floats.Dot(x, x)
			return map[string]float64{"radius": math.Sqrt(ss)},
				map[string]float64{"sphere": ss}
		},
	})

	// Schaffer N.1: the classic one-dimensional two-objective problem with a
	// Pareto front at x in [0, 2].
	register(Problem{
		Name:           "schaffer",
		ParamNames:     []string{"x"},
		Bounds:         [][2]float64{{-10, 10}},
		X0:             []float64{5},
		FeatureNames:   []string{"x_abs"},
		ObjectiveNames: []string{"f1", "f2"},
		Eval: func(x []float64) (map[string]float64, map[string]float64) {
			return map[string]float64{"x_abs": math.Abs(x[0])},
				map[string]float64{
					"f1": x[0] * x[0],
					"f2": (x[0] - 2) * (x[0] - 2),
				}
		},
	})

	register(Problem{
		Name:           "fonseca",
		ParamNames:     []string{"x1", "x2", "x3"},
		Bounds:         [][2]float64{{-4, 4}, {-4, 4}, {-4, 4}},
		X0:             []float64{0, 0, 0},
		FeatureNames:   []string{"norm"},
		ObjectiveNames: []string{"f1", "f2"},
		Eval: func(x []float64) (map[string]float64, map[string]float64) {
			c := 1 / math.Sqrt(float64(len(x)))
			var s1, s2 float64
			for _, xi := range x {
				s1 += (xi - c) * (xi - c)
				s2 += (xi + c) * (xi + c)
			}
			return map[string]float64{"norm": floats.Norm(x, 2)},
				map[string]float64{
					"f1": 1 - math.Exp(-s1),
					"f2": 1 - math.Exp(-s2),
				}
		},
	})

	register(Problem{
		Name:           "zdt1",
		ParamNames:     []string{"x1", "x2", "x3", "x4"},
		Bounds:         [][2]float64{{0, 1}, {0, 1}, {0, 1}, {0, 1}},
		X0:             []float64{0.5, 0.5, 0.5, 0.5},
		FeatureNames:   []string{"g"},
		ObjectiveNames: []string{"f1", "f2"},
		Eval: func(x []float64) (map[string]float64, map[string]float64) {
			f1 := x[0]
			g := 1 + 9*floats.Sum(x[1:])/float64(len(x)-1)
			f2 := g * (1 - math.Sqrt(f1/g))
			return map[string]float64{"g": g},
				map[string]float64{"f1": f1, "f2": f2}
		},
	})
}
