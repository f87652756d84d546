package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cwbudde/popanneal/internal/bench"
	"github.com/cwbudde/popanneal/internal/config"
	"github.com/cwbudde/popanneal/internal/optimize"
	"github.com/cwbudde/popanneal/internal/parallel"
	"github.com/cwbudde/popanneal/internal/store"
)

var (
	configPath     string
	problemName    string
	checkpointPath string
	hotStart       bool
	popSize        int
	maxIter        int
	pathLength     int
	stepSize       float64
	seed           int64
	workers        int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a population annealing optimization",
	Long: `Runs population annealing against a built-in benchmark problem or a
YAML config, evaluating each generation concurrently and checkpointing every
iteration. Use --hot-start to resume from an existing checkpoint file.`,
	RunE: runOptimization,
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "YAML optimization config (overrides the problem's parameter space)")
	runCmd.Flags().StringVar(&problemName, "problem", "schaffer", fmt.Sprintf("Benchmark problem %v", bench.Names()))
	runCmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "Checkpoint file path (default popanneal_<run-id>.jsonl)")
	runCmd.Flags().BoolVar(&hotStart, "hot-start", false, "Resume from the checkpoint file")
	runCmd.Flags().IntVar(&popSize, "pop", 50, "Population size")
	runCmd.Flags().IntVar(&maxIter, "iters", 20, "Max iterations (each spanning path-length generations)")
	runCmd.Flags().IntVar(&pathLength, "path-length", 3, "Generations per iteration")
	runCmd.Flags().Float64Var(&stepSize, "step", 0.5, "Initial fractional step size")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Random seed")
	runCmd.Flags().IntVar(&workers, "workers", 0, "Concurrent evaluations (0 = one per CPU)")

	rootCmd.AddCommand(runCmd)
}

func runOptimization(cmd *cobra.Command, args []string) error {
	cfg, problem, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	cfg.HotStart = hotStart
	cfg.StoragePath = checkpointPath
	if cfg.StoragePath == "" {
		runID := uuid.NewString()[:8]
		cfg.StoragePath = fmt.Sprintf("popanneal_%s.jsonl", runID)
	}

	slog.Info("Starting optimization", "problem", problem.Name, "pop", cfg.PopSize,
		"iters", cfg.MaxIter, "pathLength", cfg.PathLength, "checkpoint", cfg.StoragePath)

	driver, err := optimize.NewPopulationAnnealing(cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := drive(cmd.Context(), driver, problem); err != nil {
		return err
	}
	slog.Info("Optimization complete", "elapsed", time.Since(start),
		"generations", driver.Storage().Generations(), "models", driver.Storage().Count)

	report, err := store.NewReport(driver.Storage())
	if err != nil {
		return err
	}
	best, err := report.Best()
	if err != nil {
		return err
	}
	fmt.Printf("Best model after %d generations:\n", driver.Storage().Generations())
	return report.Write(os.Stdout, best)
}

// buildConfig assembles the driver config from the benchmark problem, the
// optional YAML config, and the command-line flags. Explicitly set flags win
// over config file values.
func buildConfig(cmd *cobra.Command) (optimize.Config, bench.Problem, error) {
	problem, err := bench.Lookup(problemName)
	if err != nil {
		return optimize.Config{}, bench.Problem{}, err
	}

	var cfg optimize.Config
	if configPath != "" {
		if cfg, err = config.Load(configPath); err != nil {
			return optimize.Config{}, bench.Problem{}, err
		}
	} else {
		cfg = optimize.DefaultConfig()
		cfg.ParamNames = problem.ParamNames
		cfg.Bounds = problem.Bounds
		cfg.X0 = problem.X0
		cfg.FeatureNames = problem.FeatureNames
		cfg.ObjectiveNames = problem.ObjectiveNames
	}

	cfg.Seed = seed
	if configPath == "" || cmd.Flags().Changed("pop") {
		cfg.PopSize = popSize
	}
	if configPath == "" || cmd.Flags().Changed("iters") {
		cfg.MaxIter = maxIter
	}
	if configPath == "" || cmd.Flags().Changed("path-length") {
		cfg.PathLength = pathLength
	}
	if configPath == "" || cmd.Flags().Changed("step") {
		cfg.InitialStepSize = stepSize
	}
	return cfg, problem, nil
}

// drive runs the NextBatch / evaluate / SubmitResults loop to exhaustion.
func drive(ctx context.Context, driver optimize.Driver, problem bench.Problem) error {
	if ctx == nil {
		ctx = context.Background()
	}
	eval := func(ctx context.Context, x []float64) (map[string]float64, map[string]float64, error) {
		features, objectives := problem.Eval(x)
		return features, objectives, nil
	}
	for {
		batch, done, err := driver.NextBatch()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		features, objectives, err := parallel.Map(ctx, batch.Params, workers, eval)
		if err != nil {
			return err
		}
		if err := driver.SubmitResults(features, objectives); err != nil {
			return err
		}
	}
}
