package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwbudde/popanneal/internal/pop"
)

func checkpointPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "history.jsonl")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := testStorage(t)
	appendGeneration(t, s, 0, 3, map[string]float64{"step_size": 0.5})
	second := appendGeneration(t, s, 3, 2, map[string]float64{"step_size": 0.45})
	if err := s.UpdateLast([]*pop.Individual{second[0]}, second[:2], []float64{0, 0}, []float64{5, 5}); err != nil {
		t.Fatalf("UpdateLast failed: %v", err)
	}

	path := checkpointPath(t)
	if err := s.Save(path, 0); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got, want := loaded.Generations(), s.Generations(); got != want {
		t.Fatalf("loaded %d generations, want %d", got, want)
	}
	for i, name := range s.ParamNames {
		if loaded.ParamNames[i] != name {
			t.Errorf("param name %d = %q, want %q", i, loaded.ParamNames[i], name)
		}
	}
	if loaded.PathLength != s.PathLength || loaded.Normalize != s.Normalize {
		t.Errorf("header mismatch: pathLength %d normalize %q", loaded.PathLength, loaded.Normalize)
	}
	if loaded.Count != s.Count {
		t.Errorf("count = %d, want %d", loaded.Count, s.Count)
	}
	for g := range s.History {
		if len(loaded.History[g]) != len(s.History[g]) {
			t.Fatalf("generation %d has %d individuals, want %d", g, len(loaded.History[g]), len(s.History[g]))
		}
		for i, ind := range s.History[g] {
			got := loaded.History[g][i]
			if got.ModelID != ind.ModelID {
				t.Errorf("generation %d individual %d: id %d, want %d", g, i, got.ModelID, ind.ModelID)
			}
			for j := range ind.X {
				if got.X[j] != ind.X[j] {
					t.Errorf("generation %d individual %d: x[%d] = %v, want bit-identical %v",
						g, i, j, got.X[j], ind.X[j])
				}
			}
		}
	}
	if len(loaded.Survivors[1]) != 1 || len(loaded.Specialists[1]) != 2 {
		t.Errorf("selection results lost: %d survivors, %d specialists",
			len(loaded.Survivors[1]), len(loaded.Specialists[1]))
	}
	if v, ok := loaded.LastAttribute("step_size"); !ok || v != 0.45 {
		t.Errorf("step_size attribute = %v, %v; want 0.45, true", v, ok)
	}
}

func TestSaveIsIncrementalAndResaveIsNoOp(t *testing.T) {
	s := testStorage(t)
	appendGeneration(t, s, 0, 2, nil)
	appendGeneration(t, s, 2, 2, nil)

	path := checkpointPath(t)
	if err := s.Save(path, 2); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	size := info.Size()

	// Re-saving the same generations must not grow the file.
	if err := s.Save(path, 2); err != nil {
		t.Fatalf("re-Save failed: %v", err)
	}
	info, _ = os.Stat(path)
	if info.Size() != size {
		t.Errorf("re-save grew the file from %d to %d bytes", size, info.Size())
	}

	appendGeneration(t, s, 4, 2, nil)
	if err := s.Save(path, 1); err != nil {
		t.Fatalf("incremental Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Generations() != 3 {
		t.Errorf("loaded %d generations, want 3", loaded.Generations())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.jsonl"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load error = %v, want ErrNotFound", err)
	}
}

func TestLoadRepairDiscardsTruncatedFinalRecord(t *testing.T) {
	s := testStorage(t)
	appendGeneration(t, s, 0, 2, nil)
	appendGeneration(t, s, 2, 2, nil)
	path := checkpointPath(t)
	if err := s.Save(path, 0); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Simulate a crash mid-append by chopping the final record in half.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)-40], 0644); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	// Strict load must refuse.
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a truncated checkpoint")
	}

	loaded, repaired, err := LoadRepair(path)
	if err != nil {
		t.Fatalf("LoadRepair failed: %v", err)
	}
	if !repaired {
		t.Error("LoadRepair did not report a repair")
	}
	if loaded.Generations() != 1 {
		t.Fatalf("loaded %d generations after repair, want 1", loaded.Generations())
	}

	// The file itself must be truncated back to a clean record boundary, so
	// a subsequent append-save produces a loadable file.
	appendGeneration(t, loaded, 2, 2, nil)
	if err := loaded.Save(path, 1); err != nil {
		t.Fatalf("Save after repair failed: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after repaired append failed: %v", err)
	}
	if reloaded.Generations() != 2 {
		t.Errorf("reloaded %d generations, want 2", reloaded.Generations())
	}
}

func TestLoadRejectsMidFileCorruption(t *testing.T) {
	s := testStorage(t)
	appendGeneration(t, s, 0, 2, nil)
	appendGeneration(t, s, 2, 2, nil)
	appendGeneration(t, s, 4, 2, nil)
	path := checkpointPath(t)
	if err := s.Save(path, 0); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Corrupt the second record (not the final one): repair must refuse.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	lines := splitLines(data)
	if len(lines) != 4 {
		t.Fatalf("expected header plus 3 records, got %d lines", len(lines))
	}
	lines[2] = []byte(`{"index": 1, "population": []}`)
	if err := os.WriteFile(path, joinLines(lines), 0644); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	if _, _, err := LoadRepair(path); err == nil {
		t.Fatal("LoadRepair accepted mid-file corruption")
	}
	var corrupt *CorruptionError
	_, _, err = LoadRepair(path)
	if !errors.As(err, &corrupt) {
		t.Fatalf("error = %v, want CorruptionError", err)
	}
	if corrupt.Index != 1 {
		t.Errorf("corrupt record index = %d, want 1", corrupt.Index)
	}
}

func TestDropLastTruncatesFile(t *testing.T) {
	s := testStorage(t)
	appendGeneration(t, s, 0, 2, nil)
	appendGeneration(t, s, 2, 2, nil)
	path := checkpointPath(t)
	if err := s.Save(path, 0); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := s.DropLast(path); err != nil {
		t.Fatalf("DropLast failed: %v", err)
	}
	if s.Generations() != 1 {
		t.Fatalf("Generations() = %d after drop, want 1", s.Generations())
	}
	if s.Count != 2 {
		t.Errorf("Count = %d after drop, want 2", s.Count)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after drop failed: %v", err)
	}
	if loaded.Generations() != 1 {
		t.Errorf("file holds %d generations after drop, want 1", loaded.Generations())
	}
}

func TestReportFromStorage(t *testing.T) {
	s := testStorage(t)
	population := appendGeneration(t, s, 0, 3, nil)
	if err := pop.RankAnnealing(population, nil, nil); err != nil {
		t.Fatalf("RankAnnealing failed: %v", err)
	}
	specialists, err := pop.Specialists(population)
	if err != nil {
		t.Fatalf("Specialists failed: %v", err)
	}
	if err := s.UpdateLast(population, specialists, nil, nil); err != nil {
		t.Fatalf("UpdateLast failed: %v", err)
	}

	report, err := NewReport(s)
	if err != nil {
		t.Fatalf("NewReport failed: %v", err)
	}
	if len(report.Specialists) != 2 {
		t.Errorf("report holds %d specialists, want one per objective", len(report.Specialists))
	}
	best, err := report.Best()
	if err != nil {
		t.Fatalf("Best failed: %v", err)
	}
	for _, ind := range report.Survivors {
		if *ind.Rank < *best.Rank {
			t.Errorf("Best returned rank %d, but rank %d exists", *best.Rank, *ind.Rank)
		}
	}
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

func joinLines(lines [][]byte) []byte {
	var out []byte
	for _, line := range lines {
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out
}
