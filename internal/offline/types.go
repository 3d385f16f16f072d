package offline

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrStorage marks every failure of the persistent store. Callers must surface it,
// a failed offline write never counts as saved.
var ErrStorage = errors.New("offline storage failure")

// ErrNotFound is returned by lookups of a single missing entry.
var ErrNotFound = errors.New("not found")

type EntryType string

const (
	EntryFood     EntryType = "food"
	EntryCalories EntryType = "calories"
	EntryExercise EntryType = "exercise"
)

var trackedPaths = map[string]EntryType{
	"/add_food":     EntryFood,
	"/add_calories": EntryCalories,
	"/add_exercise": EntryExercise,
}

// EntryTypeForPath maps a tracked form endpoint to its entry type.
func EntryTypeForPath(path string) (EntryType, bool) {
	t, ok := trackedPaths[path]
	return t, ok
}

// TrackedPaths lists the form endpoints intercepted while offline.
func TrackedPaths() []string {
	return []string{"/add_food", "/add_calories", "/add_exercise"}
}

func ParseEntryType(s string) (EntryType, error) {
	switch t := EntryType(strings.ToLower(strings.TrimSpace(s))); t {
	case EntryFood, EntryCalories, EntryExercise:
		return t, nil
	default:
		return "", fmt.Errorf("unknown entry type: %q", s)
	}
}

// Label is the capitalized name used in user facing messages.
func (t EntryType) Label() string {
	if t == "" {
		return ""
	}
	if t == EntryCalories {
		return "Calorie"
	}
	return strings.ToUpper(string(t[:1])) + string(t[1:])
}

// Payload holds form field name to value, captured verbatim.
type Payload map[string]any

type PendingMutation struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Synced    bool      `json:"synced"`
}

type LocalRecord struct {
	ID        int64     `json:"id"`
	Type      EntryType `json:"type"`
	Data      Payload   `json:"data"`
	Date      time.Time `json:"date"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordFilter narrows ListLocalEntries. Zero values mean unbounded.
type RecordFilter struct {
	Type EntryType
	From time.Time
	To   time.Time
}

func (f RecordFilter) Match(r LocalRecord) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Timestamp.After(f.To) {
		return false
	}
	return true
}

type ChangeKind string

const (
	ChangeMutationQueued  ChangeKind = "mutation-queued"
	ChangeMutationRemoved ChangeKind = "mutation-removed"
	ChangeRecordAdded     ChangeKind = "record-added"
)

// Change describes one successful write, passed to OnChange listeners.
type Change struct {
	Kind       ChangeKind
	MutationID int64
	Record     *LocalRecord
}
