// Package correctmap holds the per-attempt grading record of every input.
package correctmap

import (
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// Correctness of a single input.
type Correctness string

const (
	Correct          Correctness = "correct"
	PartiallyCorrect Correctness = "partially-correct"
	Incorrect        Correctness = "incorrect"
	Unsubmitted      Correctness = "unsubmitted"
	Queued           Correctness = "queued"
)

// HintMode controls when a hint is shown.
type HintMode string

const (
	HintModeAlways    HintMode = "always"
	HintModeOnRequest HintMode = "on_request"
)

// ErrNilCorrectMap is returned when merging a nil map.
var ErrNilCorrectMap = errors.New("correctmap: cannot update from a nil CorrectMap")

// QueueState marks an input awaiting an external verdict.
type QueueState struct {
	Key  string `json:"key"`
	Time string `json:"time"`
}

// Record is the grading state of one input.
type Record struct {
	Correctness Correctness `json:"correctness"`
	NPoints     *float64    `json:"npoints"`
	Msg         string      `json:"msg"`
	Hint        string      `json:"hint"`
	HintMode    HintMode    `json:"hintmode,omitempty"`
	QueueState  *QueueState `json:"queuestate"`
}

// Points returns a pointer for Record.NPoints literals.
func Points(v float64) *float64 {
	return &v
}

// CorrectMap maps input ids to records. The zero value is not usable; use New.
type CorrectMap struct {
	records        map[string]Record
	overallMessage string
}

// New returns an empty CorrectMap.
func New() *CorrectMap {
	return &CorrectMap{records: make(map[string]Record)}
}

// Set overwrites the record of inputID.
func (m *CorrectMap) Set(inputID string, record Record) {
	if record.QueueState != nil {
		qs := *record.QueueState
		record.QueueState = &qs
	}
	if record.NPoints != nil {
		points := *record.NPoints
		record.NPoints = &points
	}
	m.records[inputID] = record
}

// Update merges other record-wise; records in other win.
func (m *CorrectMap) Update(other *CorrectMap) error {
	if other == nil {
		return ErrNilCorrectMap
	}
	for inputID, record := range other.records {
		m.Set(inputID, record)
	}
	if other.overallMessage != "" {
		m.overallMessage = other.overallMessage
	}
	return nil
}

// Record returns the stored record and whether it exists.
func (m *CorrectMap) Record(inputID string) (Record, bool) {
	record, ok := m.records[inputID]
	return record, ok
}

// Has reports whether inputID has a record.
func (m *CorrectMap) Has(inputID string) bool {
	_, ok := m.records[inputID]
	return ok
}

// InputIDs returns the input ids in lexical order.
func (m *CorrectMap) InputIDs() []string {
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of records.
func (m *CorrectMap) Len() int { return len(m.records) }

func (m *CorrectMap) IsCorrect(inputID string) bool {
	record, ok := m.records[inputID]
	return ok && (record.Correctness == Correct || record.Correctness == PartiallyCorrect)
}

func (m *CorrectMap) IsPartiallyCorrect(inputID string) bool {
	record, ok := m.records[inputID]
	return ok && record.Correctness == PartiallyCorrect
}

func (m *CorrectMap) GetCorrectness(inputID string) Correctness {
	return m.records[inputID].Correctness
}

// GetNPoints applies the points policy: the stored value when present, else
// 1 for correct or partially-correct and 0 otherwise.
func (m *CorrectMap) GetNPoints(inputID string) float64 {
	record, ok := m.records[inputID]
	if !ok {
		return 0
	}
	if record.NPoints != nil {
		return *record.NPoints
	}
	if record.Correctness == Correct || record.Correctness == PartiallyCorrect {
		return 1
	}
	return 0
}

func (m *CorrectMap) GetMsg(inputID string) string {
	return m.records[inputID].Msg
}

func (m *CorrectMap) GetHint(inputID string) string {
	return m.records[inputID].Hint
}

func (m *CorrectMap) GetHintMode(inputID string) HintMode {
	return m.records[inputID].HintMode
}

// SetHintAndMode updates the hint of an existing record.
func (m *CorrectMap) SetHintAndMode(inputID, hint string, mode HintMode) {
	record, ok := m.records[inputID]
	if !ok {
		return
	}
	record.Hint = hint
	record.HintMode = mode
	m.records[inputID] = record
}

// IsQueued reports whether inputID awaits an external verdict.
func (m *CorrectMap) IsQueued(inputID string) bool {
	record, ok := m.records[inputID]
	return ok && record.QueueState != nil
}

// GetQueuetimeStr returns the dispatch time of a queued input.
func (m *CorrectMap) GetQueuetimeStr(inputID string) string {
	record, ok := m.records[inputID]
	if !ok || record.QueueState == nil {
		return ""
	}
	return record.QueueState.Time
}

// IsRightQueuekey is true iff inputID is queued under exactly candidate.
func (m *CorrectMap) IsRightQueuekey(inputID string, candidate *string) bool {
	if candidate == nil {
		return false
	}
	record, ok := m.records[inputID]
	if !ok || record.QueueState == nil || record.QueueState.Key == "" {
		return false
	}
	return record.QueueState.Key == *candidate
}

// ClearQueue drops the queue state of inputID, so a later verdict carrying
// the old key no longer matches.
func (m *CorrectMap) ClearQueue(inputID string) {
	record, ok := m.records[inputID]
	if !ok || record.QueueState == nil {
		return
	}
	record.QueueState = nil
	m.records[inputID] = record
}

// QueuedInputs returns queued input ids mapped to their keys.
func (m *CorrectMap) QueuedInputs() map[string]string {
	queued := make(map[string]string)
	for id, record := range m.records {
		if record.QueueState != nil {
			queued[id] = record.QueueState.Key
		}
	}
	return queued
}

// IsAnyQueued reports whether any input awaits an external verdict.
func (m *CorrectMap) IsAnyQueued() bool {
	for _, record := range m.records {
		if record.QueueState != nil {
			return true
		}
	}
	return false
}

// RecentmostQueuetime returns the latest dispatch time among queued inputs.
func (m *CorrectMap) RecentmostQueuetime() (time.Time, bool) {
	var latest time.Time
	found := false
	for _, record := range m.records {
		if record.QueueState == nil {
			continue
		}
		queued, err := time.Parse(time.RFC3339Nano, record.QueueState.Time)
		if err != nil {
			continue
		}
		if !found || queued.After(latest) {
			latest = queued
			found = true
		}
	}
	return latest, found
}

func (m *CorrectMap) SetOverallMessage(msg string) { m.overallMessage = msg }

func (m *CorrectMap) GetOverallMessage() string { return m.overallMessage }

// Clone returns a deep copy.
func (m *CorrectMap) Clone() *CorrectMap {
	clone := New()
	for id, record := range m.records {
		clone.Set(id, record)
	}
	clone.overallMessage = m.overallMessage
	return clone
}

// Equal compares two maps record by record.
func (m *CorrectMap) Equal(other *CorrectMap) bool {
	if other == nil || len(m.records) != len(other.records) || m.overallMessage != other.overallMessage {
		return false
	}
	for id, a := range m.records {
		b, ok := other.records[id]
		if !ok || !recordsEqual(a, b) {
			return false
		}
	}
	return true
}

func recordsEqual(a, b Record) bool {
	if a.Correctness != b.Correctness || a.Msg != b.Msg || a.Hint != b.Hint || a.HintMode != b.HintMode {
		return false
	}
	if (a.NPoints == nil) != (b.NPoints == nil) || (a.NPoints != nil && *a.NPoints != *b.NPoints) {
		return false
	}
	if (a.QueueState == nil) != (b.QueueState == nil) || (a.QueueState != nil && *a.QueueState != *b.QueueState) {
		return false
	}
	return true
}

type document struct {
	Inputs         map[string]Record `json:"inputs"`
	OverallMessage string            `json:"overall_message,omitempty"`
}

func (m *CorrectMap) MarshalJSON() ([]byte, error) {
	records := m.records
	if records == nil {
		records = map[string]Record{}
	}
	return json.Marshal(document{Inputs: records, OverallMessage: m.overallMessage})
}

func (m *CorrectMap) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	m.records = make(map[string]Record, len(doc.Inputs))
	for id, record := range doc.Inputs {
		m.records[id] = record
	}
	m.overallMessage = doc.OverallMessage
	return nil
}
