// Package editor tracks per-session edit state for sheet rows: the original
// fetched cells, edits already persisted to the store, and edits typed but
// not yet saved. The effective value of any cell resolves pending > saved >
// original.
package editor

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrRowNotFound = errors.New("row not found")

// Row is one data row of the fetched sheet, positioned by its 1-based index
// below the header row.
type Row struct {
	RowIndex int
	Data     []string
}

// Session owns all mutable edit state for one authenticated viewer. It is
// constructed per login session and passed explicitly to everything that
// reads or mutates edits; there is no package-level state.
type Session struct {
	mu      sync.Mutex
	email   string
	headers []string
	rows    map[int][]string
	saved   map[int][]string
	pending map[int][]string
}

func NewSession(email string) *Session {
	return &Session{
		email:   email,
		rows:    make(map[int][]string),
		saved:   make(map[int][]string),
		pending: make(map[int][]string),
	}
}

// SetSheet replaces the original rows with a fresh fetch. Pending edits are
// cleared: a full refresh discards unsaved input.
func (s *Session) SetSheet(headers []string, rows []Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = append([]string(nil), headers...)
	s.rows = make(map[int][]string, len(rows))
	for _, row := range rows {
		s.rows[row.RowIndex] = append([]string(nil), row.Data...)
	}
	s.pending = make(map[int][]string)
}

// SetSaved replaces the saved-edit overlay, normally loaded from the store at
// session start.
func (s *Session) SetSaved(edits map[int][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = make(map[int][]string, len(edits))
	for idx, data := range edits {
		s.saved[idx] = append([]string(nil), data...)
	}
}

func (s *Session) Headers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.headers...)
}

// RowIndexes returns the indexes of all original rows in ascending order.
func (s *Session) RowIndexes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	indexes := make([]int, 0, len(s.rows))
	for idx := range s.rows {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	return indexes
}

// EffectiveValue resolves the displayed value of one cell: pending edit if
// the cell is defined there, else saved edit, else the original cell, else
// empty string.
func (s *Session) EffectiveValue(rowIndex, cellIndex int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveValueLocked(rowIndex, cellIndex)
}

func (s *Session) effectiveValueLocked(rowIndex, cellIndex int) string {
	if row, ok := s.pending[rowIndex]; ok && cellIndex >= 0 && cellIndex < len(row) {
		return row[cellIndex]
	}
	if row, ok := s.saved[rowIndex]; ok && cellIndex >= 0 && cellIndex < len(row) {
		return row[cellIndex]
	}
	if row, ok := s.rows[rowIndex]; ok && cellIndex >= 0 && cellIndex < len(row) {
		return row[cellIndex]
	}
	return ""
}

// EffectiveRow resolves the full cell array for a row under the same
// precedence, or ErrRowNotFound when none of the three sources has it.
func (s *Session) EffectiveRow(rowIndex int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveRowLocked(rowIndex)
}

func (s *Session) effectiveRowLocked(rowIndex int) ([]string, error) {
	if row, ok := s.pending[rowIndex]; ok {
		return append([]string(nil), row...), nil
	}
	if row, ok := s.saved[rowIndex]; ok {
		return append([]string(nil), row...), nil
	}
	if row, ok := s.rows[rowIndex]; ok {
		return append([]string(nil), row...), nil
	}
	return nil, ErrRowNotFound
}

// HasUnsavedChanges reports whether a pending edit exists for the row. Edits
// are tracked at row granularity: touching a cell and typing its old value
// back still counts.
func (s *Session) HasUnsavedChanges(rowIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[rowIndex]
	return ok
}

// ApplyCellEdit records one typed cell. The first edit to a row seeds the
// pending entry from the saved edit or the original row, so a later save
// carries forward every previously edited cell, not just the last one
// touched.
func (s *Session) ApplyCellEdit(rowIndex, cellIndex int, value string) error {
	if cellIndex < 0 {
		return errors.New("cell index out of range")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.pending[rowIndex]
	if !ok {
		seed, err := s.effectiveRowLocked(rowIndex)
		if err != nil {
			return err
		}
		row = seed
	}
	if cellIndex >= len(row) {
		grown := make([]string, cellIndex+1)
		copy(grown, row)
		row = grown
	}
	row[cellIndex] = value
	s.pending[rowIndex] = row
	return nil
}

// CommitSave resolves the row to persist. It does not mutate state; the
// caller promotes the returned array with PromoteSaved once the store upsert
// succeeds, leaving pending intact on failure so typed input is not lost.
func (s *Session) CommitSave(rowIndex int) ([]string, error) {
	return s.EffectiveRow(rowIndex)
}

// PromoteSaved records a successful persistence: the row data becomes the
// saved edit and the pending entry is cleared.
func (s *Session) PromoteSaved(rowIndex int, rowData []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[rowIndex] = append([]string(nil), rowData...)
	delete(s.pending, rowIndex)
}

// ClearPending discards all unsaved edits.
func (s *Session) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = make(map[int][]string)
}

// Editable reports whether the viewer may edit the row at all: the first
// column must match the session email, compared trimmed and case-insensitive.
func (s *Session) Editable(rowIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[rowIndex]
	if !ok {
		return false
	}
	return RowEditable(row, s.email)
}

// RowEditable is the editability predicate for one row against a viewer
// email. Column 0 is compared; whether a particular cell may change is
// CellEditable's concern.
func RowEditable(row []string, email string) bool {
	if len(row) == 0 {
		return false
	}
	return normalizeEmail(row[0]) == normalizeEmail(email)
}

// CellEditable reports whether a cell may be edited within an editable row.
// Column 0 holds the owning email and is never editable.
func CellEditable(cellIndex int) bool {
	return cellIndex != 0
}

func normalizeEmail(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
