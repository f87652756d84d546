package parallel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMapPreservesOrder(t *testing.T) {
	params := make([][]float64, 16)
	for i := range params {
		params[i] = []float64{float64(i)}
	}
	eval := func(ctx context.Context, x []float64) (map[string]float64, map[string]float64, error) {
		// Finish out of submission order.
		time.Sleep(time.Duration(16-int(x[0])) * time.Millisecond)
		return map[string]float64{"f": x[0]}, map[string]float64{"o": x[0] * 2}, nil
	}

	features, objectives, err := Map(context.Background(), params, 8, eval)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if len(features) != len(params) || len(objectives) != len(params) {
		t.Fatalf("got %d features, %d objectives, want %d each", len(features), len(objectives), len(params))
	}
	for i := range params {
		if features[i]["f"] != float64(i) || objectives[i]["o"] != float64(i)*2 {
			t.Errorf("slot %d holds f=%v o=%v", i, features[i]["f"], objectives[i]["o"])
		}
	}
}

func TestMapDemotesFailuresWithoutAborting(t *testing.T) {
	params := [][]float64{{0}, {1}, {2}, {3}}
	eval := func(ctx context.Context, x []float64) (map[string]float64, map[string]float64, error) {
		if int(x[0])%2 == 1 {
			return nil, nil, errors.New("solver diverged")
		}
		return map[string]float64{"f": x[0]}, map[string]float64{"o": x[0]}, nil
	}

	features, objectives, err := Map(context.Background(), params, 2, eval)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	for i := range params {
		failed := i%2 == 1
		if failed && (features[i] != nil || objectives[i] != nil) {
			t.Errorf("slot %d must hold nil maps for a failed evaluation", i)
		}
		if !failed && (features[i] == nil || objectives[i] == nil) {
			t.Errorf("slot %d lost its results", i)
		}
	}
}

func TestMapDefaultsWorkerCount(t *testing.T) {
	params := [][]float64{{1}}
	eval := func(ctx context.Context, x []float64) (map[string]float64, map[string]float64, error) {
		return map[string]float64{"f": 1}, map[string]float64{"o": 1}, nil
	}
	if _, _, err := Map(context.Background(), params, 0, eval); err != nil {
		t.Fatalf("Map with default workers failed: %v", err)
	}
}
