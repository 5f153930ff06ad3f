package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Mirrored remote tables.
const (
	TableShows   = "shows"
	TableTrials  = "trials"
	TableClasses = "classes"
	TableEntries = "entries"
)

// MirroredTables lists every table the replication manager keeps locally,
// in dependency order.
var MirroredTables = []string{TableShows, TableTrials, TableClasses, TableEntries}

// Column names shared by the mirror, the ledger and the remote adapters.
const (
	ColID             = "id"
	ColUpdatedAt      = "updated_at"
	ColArmband        = "armband"
	ColClassID        = "class_id"
	ColTrialID        = "trial_id"
	ColShowID         = "show_id"
	ColLicenseKey     = "license_key"
	ColStatus         = "entry_status"
	ColResultText     = "result_text"
	ColSearchTimeMS   = "search_time_ms"
	ColFaultCount     = "fault_count"
	ColCorrectCount   = "correct_count"
	ColIncorrectCount = "incorrect_count"
	ColIsScored       = "is_scored"
	ColIsInRing       = "is_in_ring"
	ColElement        = "element"
	ColLevel          = "level"
	ColSection        = "section"
	ColTrialDate      = "trial_date"
	ColTrialNumber    = "trial_number"
)

// Source tags the mutation kind that produced a pending change.
type Source string

const (
	SourceScore  Source = "score"
	SourceStatus Source = "status"
	SourceReset  Source = "reset"
)

// Valid reports whether s is a known mutation kind.
func (s Source) Valid() bool {
	switch s {
	case SourceScore, SourceStatus, SourceReset:
		return true
	}
	return false
}

// CheckinStatus is an entry's check-in state at the ring.
type CheckinStatus string

const (
	StatusNone       CheckinStatus = "none"
	StatusCheckedIn  CheckinStatus = "checked-in"
	StatusConflict   CheckinStatus = "conflict"
	StatusPulled     CheckinStatus = "pulled"
	StatusAtGate     CheckinStatus = "at-gate"
	StatusComeToGate CheckinStatus = "come-to-gate"
	StatusInRing     CheckinStatus = "in-ring"
	StatusCompleted  CheckinStatus = "completed"
)

var validStatuses = map[CheckinStatus]bool{
	StatusNone:       true,
	StatusCheckedIn:  true,
	StatusConflict:   true,
	StatusPulled:     true,
	StatusAtGate:     true,
	StatusComeToGate: true,
	StatusInRing:     true,
	StatusCompleted:  true,
}

// Valid reports whether s is a known check-in status.
func (s CheckinStatus) Valid() bool {
	return validStatuses[s]
}

// ValidResults lists the accepted result texts for a score.
var ValidResults = []string{"Q", "NQ", "ABS", "EX", "DQ", "WD"}

// NormalizeResult upper-cases a result text and reports whether it is known.
func NormalizeResult(s string) (string, bool) {
	r := strings.ToUpper(strings.TrimSpace(NormalizeText(s)))
	for _, v := range ValidResults {
		if v == r {
			return r, true
		}
	}
	return r, false
}

// Entry is the typed view of a row in the entries table.
type Entry struct {
	ID             int64         `json:"id"`
	Armband        int           `json:"armband"`
	ClassID        int64         `json:"class_id"`
	Handler        string        `json:"handler,omitempty"`
	CallName       string        `json:"call_name,omitempty"`
	Status         CheckinStatus `json:"entry_status"`
	ResultText     string        `json:"result_text"`
	SearchTimeMS   int64         `json:"search_time_ms"`
	FaultCount     int           `json:"fault_count"`
	CorrectCount   int           `json:"correct_count"`
	IncorrectCount int           `json:"incorrect_count"`
	IsScored       bool          `json:"is_scored"`
	IsInRing       bool          `json:"is_in_ring"`
	UpdatedAt      *time.Time    `json:"updated_at,omitempty"`
}

// DecodeEntry converts a mirror row (possibly overlaid with a patch) into
// an Entry.
func DecodeEntry(r Row) (Entry, error) {
	var e Entry
	data, err := json.Marshal(r)
	if err != nil {
		return e, fmt.Errorf("decode entry: %w", err)
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}

// Score is the payload of a score submission.
type Score struct {
	ResultText     string `json:"result_text"`
	SearchTimeMS   int64  `json:"search_time_ms"`
	FaultCount     int    `json:"fault_count"`
	CorrectCount   int    `json:"correct_count"`
	IncorrectCount int    `json:"incorrect_count"`
}

// Validate checks the score is structurally sound and normalizes its
// result text.
func (s *Score) Validate() error {
	r, ok := NormalizeResult(s.ResultText)
	if !ok {
		return fmt.Errorf("unknown result %q: must be one of %v", s.ResultText, ValidResults)
	}
	s.ResultText = r
	if s.SearchTimeMS < 0 {
		return fmt.Errorf("search time must not be negative: %d", s.SearchTimeMS)
	}
	if s.FaultCount < 0 || s.CorrectCount < 0 || s.IncorrectCount < 0 {
		return fmt.Errorf("counts must not be negative")
	}
	return nil
}

// Patch returns the columns a score submission writes.
func (s Score) Patch() Patch {
	return Patch{
		ColResultText:     s.ResultText,
		ColSearchTimeMS:   s.SearchTimeMS,
		ColFaultCount:     s.FaultCount,
		ColCorrectCount:   s.CorrectCount,
		ColIncorrectCount: s.IncorrectCount,
		ColIsScored:       true,
		ColIsInRing:       false,
		ColStatus:         string(StatusCompleted),
	}
}

// ScoreFromPatch recovers the score carried by a score patch.
func ScoreFromPatch(p Patch) (Score, error) {
	var s Score
	if err := p.Decode(&s); err != nil {
		return s, err
	}
	return s, nil
}

// StatusPatch returns the columns a check-in status change writes.
func StatusPatch(status CheckinStatus) Patch {
	return Patch{
		ColStatus:   string(status),
		ColIsInRing: status == StatusInRing,
	}
}

// StatusFromPatch recovers the status carried by a status patch.
func StatusFromPatch(p Patch) (CheckinStatus, error) {
	s, ok := p[ColStatus].(string)
	if !ok {
		return "", fmt.Errorf("patch has no %s column", ColStatus)
	}
	status := CheckinStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown check-in status %q", s)
	}
	return status, nil
}

// ResetPatch returns the columns a score reset writes.
func ResetPatch() Patch {
	return Patch{
		ColResultText:     "",
		ColSearchTimeMS:   int64(0),
		ColFaultCount:     0,
		ColCorrectCount:   0,
		ColIncorrectCount: 0,
		ColIsScored:       false,
		ColIsInRing:       false,
		ColStatus:         string(StatusNone),
	}
}

// Scope selects the slice of remote data a device mirrors.
type Scope struct {
	LicenseKey string `json:"license_key" yaml:"license_key"`
}

// Validate checks the scope names a license.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.LicenseKey) == "" {
		return fmt.Errorf("scope: license key is required")
	}
	return nil
}

// ClassLabel joins a class row's element, level and section, e.g.
// "Container Novice A".
func ClassLabel(class Row) string {
	var parts []string
	for _, col := range []string{ColElement, ColLevel, ColSection} {
		if s, ok := class[col].(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, strings.TrimSpace(s))
		}
	}
	return strings.Join(parts, " ")
}
