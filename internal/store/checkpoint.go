package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cwbudde/popanneal/internal/pop"
)

// Checkpoint file layout: JSON lines. The first line is a header record with
// the run-level attributes; every following line is one self-contained
// generation record. The file is append-only: saving never rewrites
// generations already on disk, so a crash leaves at worst one truncated
// final line, which hot start detects and discards.

type fileHeader struct {
	ParamNames         []string `json:"param_names"`
	FeatureNames       []string `json:"feature_names"`
	ObjectiveNames     []string `json:"objective_names"`
	PathLength         int      `json:"path_length"`
	Normalize          string   `json:"normalize"`
	UserAttributeNames []string `json:"user_attribute_names,omitempty"`
}

type generationRecord struct {
	Index           int                 `json:"index"`
	Count           int                 `json:"count"`
	MinObjectives   []float64           `json:"min_objectives,omitempty"`
	MaxObjectives   []float64           `json:"max_objectives,omitempty"`
	Attributes      map[string]*float64 `json:"attributes,omitempty"`
	Population      []*pop.Individual   `json:"population"`
	Survivors       []*pop.Individual   `json:"survivors"`
	Specialists     []*pop.Individual   `json:"specialists"`
	PrevSurvivors   []*pop.Individual   `json:"prev_survivors"`
	PrevSpecialists []*pop.Individual   `json:"prev_specialists"`
	Failed          []*pop.Individual   `json:"failed"`
}

var requiredGroups = []string{"population", "survivors", "specialists", "prev_survivors", "prev_specialists", "failed"}

// ErrNotFound is returned when a checkpoint file does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing checkpoint file.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	if e.Path != "" {
		return "checkpoint file not found: " + e.Path
	}
	return "checkpoint file not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// CorruptionError reports a generation record that could not be restored.
type CorruptionError struct {
	Index  int
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt generation record %d: %s", e.Index, e.Reason)
}

// Save appends the last n generations (all of them when n <= 0) to the
// checkpoint file. Generations already persisted are skipped with a warning
// rather than written twice.
func (s *PopulationStorage) Save(path string, n int) error {
	total := len(s.History)
	if n <= 0 || n > total {
		n = total
	}
	start := total - n
	if start < s.savedThrough {
		slog.Warn("Generations already exported to checkpoint", "path", path, "from", start, "through", s.savedThrough-1)
		start = s.savedThrough
	}
	if start >= total {
		return nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat checkpoint file: %w", err)
	}

	writer := bufio.NewWriterSize(file, 256*1024)
	if info.Size() == 0 {
		if err := writeLine(writer, s.header()); err != nil {
			return fmt.Errorf("failed to write checkpoint header: %w", err)
		}
	}
	for i := start; i < total; i++ {
		if err := writeLine(writer, s.record(i)); err != nil {
			return fmt.Errorf("failed to write generation %d: %w", i, err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush checkpoint file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}

	slog.Debug("Checkpoint saved", "path", path, "from", start, "through", total-1)
	s.savedThrough = total
	return nil
}

func (s *PopulationStorage) header() fileHeader {
	h := fileHeader{
		ParamNames:     s.ParamNames,
		FeatureNames:   s.FeatureNames,
		ObjectiveNames: s.ObjectiveNames,
		PathLength:     s.PathLength,
		Normalize:      string(s.Normalize),
	}
	for key := range s.Attributes {
		h.UserAttributeNames = append(h.UserAttributeNames, key)
	}
	return h
}

func (s *PopulationStorage) record(i int) generationRecord {
	rec := generationRecord{
		Index:           i,
		Count:           s.Count,
		MinObjectives:   s.MinObjectives[i],
		MaxObjectives:   s.MaxObjectives[i],
		Population:      nonNil(s.History[i]),
		Survivors:       nonNil(s.Survivors[i]),
		Specialists:     nonNil(s.Specialists[i]),
		PrevSurvivors:   nonNil(s.PrevSurvivors[i]),
		PrevSpecialists: nonNil(s.PrevSpecialists[i]),
		Failed:          nonNil(s.Failed[i]),
	}
	if len(s.Attributes) > 0 {
		rec.Attributes = make(map[string]*float64, len(s.Attributes))
		for key, vals := range s.Attributes {
			rec.Attributes[key] = vals[i]
		}
	}
	return rec
}

// nonNil guarantees all six groups serialize as JSON arrays, never null;
// a missing group on disk therefore always means a truncated write.
func nonNil(group []*pop.Individual) []*pop.Individual {
	if group == nil {
		return []*pop.Individual{}
	}
	return group
}

func writeLine(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// Load rebuilds storage from a checkpoint file. Any malformed record is an
// error; use LoadRepair when resuming a run that may have crashed mid-save.
func Load(path string) (*PopulationStorage, error) {
	s, _, err := load(path, false)
	return s, err
}

// LoadRepair rebuilds storage from a checkpoint file, discarding a
// truncated or group-incomplete final generation record and truncating the
// file accordingly. It reports whether a repair took place.
func LoadRepair(path string) (*PopulationStorage, bool, error) {
	return load(path, true)
}

func load(path string, repair bool) (*PopulationStorage, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, &NotFoundError{Path: path}
		}
		return nil, false, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 256*1024)
	headerLine, err := reader.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, fmt.Errorf("failed to read checkpoint header: %w", err)
	}
	var header fileHeader
	if err := json.Unmarshal(headerLine, &header); err != nil {
		return nil, false, fmt.Errorf("failed to decode checkpoint header in %s: %w", path, err)
	}
	normalize, err := pop.ParseNormalizeMode(header.Normalize)
	if err != nil {
		return nil, false, fmt.Errorf("invalid checkpoint header in %s: %w", path, err)
	}
	s, err := New(header.ParamNames, header.FeatureNames, header.ObjectiveNames, header.PathLength, normalize)
	if err != nil {
		return nil, false, fmt.Errorf("invalid checkpoint header in %s: %w", path, err)
	}
	for _, key := range header.UserAttributeNames {
		s.Attributes[key] = nil
	}

	offset := int64(len(headerLine))
	repaired := false
	for index := 0; ; index++ {
		line, err := reader.ReadBytes('\n')
		if len(line) == 0 && errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, false, fmt.Errorf("failed to read checkpoint file: %w", err)
		}
		atEOF := errors.Is(err, io.EOF)
		if !atEOF {
			if _, peekErr := reader.Peek(1); errors.Is(peekErr, io.EOF) {
				atEOF = true
			}
		}
		if recErr := s.restoreRecord(line, index, header.UserAttributeNames); recErr != nil {
			if !repair || !atEOF {
				return nil, false, fmt.Errorf("checkpoint %s: %w", path, recErr)
			}
			// Partially written final generation: discard and truncate so
			// subsequent appends start from a clean record boundary.
			slog.Warn("Discarding corrupt final generation from checkpoint", "path", path, "generation", index, "error", recErr)
			file.Close()
			if err := os.Truncate(path, offset); err != nil {
				return nil, false, fmt.Errorf("failed to truncate corrupt checkpoint: %w", err)
			}
			repaired = true
			break
		}
		offset += int64(len(line))
		if atEOF {
			break
		}
	}
	s.savedThrough = len(s.History)
	slog.Debug("Checkpoint loaded", "path", path, "generations", len(s.History), "repaired", repaired)
	return s, repaired, nil
}

// DropLast removes the most recent generation from storage and, when path
// names an existing checkpoint file containing it, truncates its record.
// Used when a generation turns out incomplete by an external criterion, such
// as a pregenerated batch that was only partially evaluated.
func (s *PopulationStorage) DropLast(path string) error {
	if len(s.History) == 0 {
		return fmt.Errorf("store: cannot drop last generation of empty storage")
	}
	last := len(s.History) - 1
	s.Count -= len(s.History[last]) + len(s.Failed[last])
	s.History = s.History[:last]
	s.Survivors = s.Survivors[:last]
	s.Specialists = s.Specialists[:last]
	s.PrevSurvivors = s.PrevSurvivors[:last]
	s.PrevSpecialists = s.PrevSpecialists[:last]
	s.Failed = s.Failed[:last]
	s.MinObjectives = s.MinObjectives[:last]
	s.MaxObjectives = s.MaxObjectives[:last]
	for key := range s.Attributes {
		if len(s.Attributes[key]) > last {
			s.Attributes[key] = s.Attributes[key][:last]
		}
	}
	if s.savedThrough <= last {
		return nil
	}
	s.savedThrough = last
	if path == "" {
		return nil
	}
	offset, err := recordOffset(path, last)
	if err != nil {
		return err
	}
	if err := os.Truncate(path, offset); err != nil {
		return fmt.Errorf("failed to truncate checkpoint: %w", err)
	}
	slog.Warn("Dropped final generation from checkpoint", "path", path, "generation", last)
	return nil
}

// recordOffset returns the byte offset at which the record for generation
// index begins: after the header line and the index preceding records.
func recordOffset(path string, index int) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()
	reader := bufio.NewReaderSize(file, 256*1024)
	var offset int64
	for i := 0; i <= index; i++ {
		line, err := reader.ReadBytes('\n')
		offset += int64(len(line))
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read checkpoint file: %w", err)
		}
	}
	return offset, nil
}

func (s *PopulationStorage) restoreRecord(line []byte, index int, attrNames []string) error {
	var groups map[string]json.RawMessage
	if err := json.Unmarshal(line, &groups); err != nil {
		return &CorruptionError{Index: index, Reason: err.Error()}
	}
	for _, name := range requiredGroups {
		raw, ok := groups[name]
		if !ok || string(raw) == "null" {
			return &CorruptionError{Index: index, Reason: fmt.Sprintf("missing group %q", name)}
		}
	}
	var rec generationRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return &CorruptionError{Index: index, Reason: err.Error()}
	}
	if rec.Index != index {
		return &CorruptionError{Index: index, Reason: fmt.Sprintf("record index %d out of sequence", rec.Index)}
	}

	s.History = append(s.History, rec.Population)
	s.Survivors = append(s.Survivors, rec.Survivors)
	s.Specialists = append(s.Specialists, rec.Specialists)
	s.PrevSurvivors = append(s.PrevSurvivors, rec.PrevSurvivors)
	s.PrevSpecialists = append(s.PrevSpecialists, rec.PrevSpecialists)
	s.Failed = append(s.Failed, rec.Failed)
	s.MinObjectives = append(s.MinObjectives, rec.MinObjectives)
	s.MaxObjectives = append(s.MaxObjectives, rec.MaxObjectives)
	s.Count = rec.Count
	for _, key := range attrNames {
		s.Attributes[key] = append(s.Attributes[key], rec.Attributes[key])
	}
	return nil
}
