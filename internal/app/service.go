package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"sheetbridge/api/internal/archive"
	"sheetbridge/api/internal/config"
	"sheetbridge/api/internal/csvutil"
	"sheetbridge/api/internal/display"
	"sheetbridge/api/internal/editor"
	"sheetbridge/api/internal/export"
	"sheetbridge/api/internal/search"
	"sheetbridge/api/internal/session"
	"sheetbridge/api/internal/sheet"
	"sheetbridge/api/internal/store"
	"sheetbridge/api/internal/util"
	"sheetbridge/api/internal/writeback"
)

// Session identifies one authenticated viewer for the duration of a token.
type Session struct {
	Token  string
	UserID string
	Email  string
}

// RowView is one sheet row as presented to the viewer, with the merge
// precedence already applied.
type RowView struct {
	RowIndex          int      `json:"rowIndex"`
	Data              []string `json:"data"`
	Editable          bool     `json:"editable"`
	HasUnsavedChanges bool     `json:"hasUnsavedChanges"`
}

// SheetView is the viewer's slice of the sheet: only rows whose first column
// matches the session email.
type SheetView struct {
	Headers []string  `json:"headers"`
	Rows    []RowView `json:"rows"`
}

// SyncResult mirrors the sync function's wire response.
type SyncResult struct {
	Success    bool     `json:"success"`
	RowsSynced int      `json:"rows_synced,omitempty"`
	Headers    []string `json:"headers,omitempty"`
	Message    string   `json:"message,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type dataStore interface {
	UpsertEdit(context.Context, store.Edit) error
	ListEditsByUser(context.Context, string) ([]store.Edit, error)
	ClearMirror(context.Context) error
	InsertMirrorRows(context.Context, []store.MirrorRow) error
	ListMirrorRows(context.Context) ([]store.MirrorRow, error)
	SearchMirrorRows(context.Context, string, int) ([]store.MirrorRow, error)
	UpsertHeaders(context.Context, []string) error
	GetHeaders(context.Context) ([]string, error)
	InsertSyncLog(context.Context, store.SyncLog) error
	ListSyncLogs(context.Context, int) ([]store.SyncLog, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	Save(context.Context, string, session.Data) error
	Lookup(context.Context, string) (session.Data, error)
	Revoke(context.Context, string) error
	Ping(context.Context) error
}

type sheetFetcher interface {
	FetchCSV(context.Context) (string, error)
}

type snapshotStore interface {
	PutSnapshot(context.Context, string, string) (string, error)
}

type searcher interface {
	Search(context.Context, string, int) ([]store.MirrorRow, error)
	IndexRows([]store.MirrorRow)
}

// editState pairs a viewer's edit session with its expiry. Expired states
// are pruned lazily on access.
type editState struct {
	session   *editor.Session
	expiresAt time.Time
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	sheets   sheetFetcher
	forward  writeback.Forwarder
	archive  snapshotStore
	search   searcher
	policy   *display.Policy

	editTTL    time.Duration
	editMu     sync.Mutex
	editStates map[string]*editState
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, sheets *sheet.Client, searchService *search.Service, forward writeback.Forwarder, snapshots *archive.MinioStore) *Service {
	rules := make([]display.Rule, 0)
	for _, pattern := range cfg.TruncatePatterns() {
		rules = append(rules, display.Rule{Pattern: pattern, MaxLen: cfg.TruncateMaxLen})
	}

	s := &Service{
		cfg:        cfg,
		store:      dataStore,
		sessions:   sessions,
		sheets:     sheets,
		forward:    forward,
		policy:     display.NewPolicy(rules),
		editTTL:    cfg.SessionTTL,
		editStates: make(map[string]*editState),
	}
	if searchService != nil {
		s.search = searchService
	}
	if snapshots != nil {
		s.archive = snapshots
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// Login is the development stand-in for the external identity provider: it
// mints a bearer token and stores the session. User IDs derive from the
// normalized email so the same address keeps the same edit history across
// logins.
func (s *Service) Login(ctx context.Context, email string) (Session, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
	}

	userID := "usr_" + util.HashToken(normalized)[:16]
	token := util.NewToken()
	if err := s.sessions.Save(ctx, util.HashToken(token), session.Data{UserID: userID, Email: normalized}); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	return Session{Token: token, UserID: userID, Email: normalized}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	data, err := s.sessions.Lookup(ctx, util.HashToken(token))
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, UserID: data.UserID, Email: data.Email}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session) error {
	s.dropEditState(sess.Token)
	return s.sessions.Revoke(ctx, util.HashToken(sess.Token))
}

// editSession returns the viewer's edit state, creating it on first access
// with the saved edits loaded from the store.
func (s *Service) editSession(ctx context.Context, sess Session) (*editor.Session, error) {
	s.editMu.Lock()
	now := time.Now()
	for token, state := range s.editStates {
		if now.After(state.expiresAt) {
			delete(s.editStates, token)
		}
	}
	if state, ok := s.editStates[sess.Token]; ok {
		state.expiresAt = now.Add(s.editTTL)
		s.editMu.Unlock()
		return state.session, nil
	}
	s.editMu.Unlock()

	es := editor.NewSession(sess.Email)
	saved, err := s.loadSavedEdits(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	es.SetSaved(saved)

	s.editMu.Lock()
	defer s.editMu.Unlock()
	if state, ok := s.editStates[sess.Token]; ok {
		return state.session, nil
	}
	s.editStates[sess.Token] = &editState{session: es, expiresAt: now.Add(s.editTTL)}
	return es, nil
}

func (s *Service) dropEditState(token string) {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	delete(s.editStates, token)
}

func (s *Service) loadSavedEdits(ctx context.Context, userID string) (map[int][]string, error) {
	edits, err := s.store.ListEditsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load saved edits: %w", err)
	}
	saved := make(map[int][]string, len(edits))
	for _, edit := range edits {
		saved[edit.OriginalRowIndex] = edit.RowData
	}
	return saved, nil
}

// ensureSheet fetches the live sheet into the edit session if it has not
// been loaded yet, or unconditionally on refresh. Refresh also rereads the
// saved edits and discards pending input.
func (s *Service) ensureSheet(ctx context.Context, sess Session, es *editor.Session, refresh bool) error {
	if !refresh && len(es.Headers()) > 0 {
		return nil
	}

	text, err := s.sheets.FetchCSV(ctx)
	if err != nil {
		return domainError(http.StatusBadGateway, "SHEET_FETCH_FAILED", err.Error(), nil)
	}
	headers, rows := sheet.Split(csvutil.Parse(text))
	es.SetSheet(headers, rows)

	if refresh {
		saved, err := s.loadSavedEdits(ctx, sess.UserID)
		if err != nil {
			return err
		}
		es.SetSaved(saved)
	}
	return nil
}

// LoadSheet returns the viewer's rows with effective values applied. refresh
// forces a refetch and clears pending edits; applyDisplay runs the column
// display policy over the cell values.
func (s *Service) LoadSheet(ctx context.Context, sess Session, refresh, applyDisplay bool) (SheetView, error) {
	es, err := s.editSession(ctx, sess)
	if err != nil {
		return SheetView{}, err
	}
	if err := s.ensureSheet(ctx, sess, es, refresh); err != nil {
		return SheetView{}, err
	}

	headers := es.Headers()
	view := SheetView{Headers: headers, Rows: make([]RowView, 0)}

	var transforms []func(string) string
	if applyDisplay {
		transforms = s.policy.Resolve(headers)
	}

	for _, rowIndex := range es.RowIndexes() {
		if !es.Editable(rowIndex) {
			continue
		}
		data := make([]string, len(headers))
		for c := range headers {
			value := es.EffectiveValue(rowIndex, c)
			if transforms != nil {
				value = transforms[c](value)
			}
			data[c] = value
		}
		view.Rows = append(view.Rows, RowView{
			RowIndex:          rowIndex,
			Data:              data,
			Editable:          true,
			HasUnsavedChanges: es.HasUnsavedChanges(rowIndex),
		})
	}
	return view, nil
}

// ApplyEdit records one typed cell into the viewer's pending state. Nothing
// is persisted until SaveRow.
func (s *Service) ApplyEdit(ctx context.Context, sess Session, rowIndex, cellIndex int, value string) (string, error) {
	es, err := s.editSession(ctx, sess)
	if err != nil {
		return "", err
	}
	if err := s.ensureSheet(ctx, sess, es, false); err != nil {
		return "", err
	}

	if !editor.CellEditable(cellIndex) {
		return "", domainError(http.StatusForbidden, "CELL_NOT_EDITABLE", "the email column cannot be edited", nil)
	}
	if !es.Editable(rowIndex) {
		if _, err := es.EffectiveRow(rowIndex); errors.Is(err, editor.ErrRowNotFound) {
			return "", domainError(http.StatusNotFound, "ROW_NOT_FOUND", "row not found", nil)
		}
		return "", domainError(http.StatusForbidden, "ROW_NOT_EDITABLE", "row does not belong to this user", nil)
	}
	if err := es.ApplyCellEdit(rowIndex, cellIndex, value); err != nil {
		return "", err
	}
	return es.EffectiveValue(rowIndex, cellIndex), nil
}

// SaveRow persists the effective row for the viewer and forwards it to the
// configured writeback destination. Forward failures are logged and never
// affect the save outcome; persistence failures leave pending edits intact.
func (s *Service) SaveRow(ctx context.Context, sess Session, rowIndex int) ([]string, error) {
	es, err := s.editSession(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := s.ensureSheet(ctx, sess, es, false); err != nil {
		return nil, err
	}

	rowData, err := es.CommitSave(rowIndex)
	if err != nil {
		if errors.Is(err, editor.ErrRowNotFound) {
			return nil, domainError(http.StatusNotFound, "ROW_NOT_FOUND", "no data found for this row", nil)
		}
		return nil, err
	}
	if !es.Editable(rowIndex) {
		return nil, domainError(http.StatusForbidden, "ROW_NOT_EDITABLE", "row does not belong to this user", nil)
	}

	err = s.store.UpsertEdit(ctx, store.Edit{
		ID:               util.NewID("edit"),
		UserID:           sess.UserID,
		UserEmail:        sess.Email,
		OriginalRowIndex: rowIndex,
		RowData:          rowData,
	})
	if err != nil {
		return nil, fmt.Errorf("persist edit: %w", err)
	}

	es.PromoteSaved(rowIndex, rowData)

	if s.forward != nil {
		go func(rowIndex int, rowData []string) {
			if err := s.forward.Forward(context.Background(), rowIndex, rowData); err != nil {
				log.Printf("writeback: forward row %d: %v", rowIndex, err)
			}
		}(rowIndex, rowData)
	}
	return rowData, nil
}

func (s *Service) ListEdits(ctx context.Context, sess Session) ([]store.Edit, error) {
	return s.store.ListEditsByUser(ctx, sess.UserID)
}

// Sync pulls the external sheet into the mirror and records exactly one
// audit log entry for the attempt, success or failure.
func (s *Service) Sync(ctx context.Context, syncType string) SyncResult {
	if syncType == "" {
		syncType = store.SyncTypeManual
	}
	syncID := util.NewID("sync")
	log.Printf("sync: starting %s sync %s for sheet %s", syncType, syncID, s.cfg.SheetID)

	rowsSynced, headers, err := s.runSync(ctx, syncID)
	if err != nil {
		log.Printf("sync: %s failed: %v", syncID, err)
		s.logSyncOutcome(ctx, store.SyncLog{
			ID:           syncID,
			SyncType:     syncType,
			RowsSynced:   0,
			Status:       store.SyncStatusError,
			ErrorMessage: err.Error(),
		})
		return SyncResult{Success: false, Error: err.Error()}
	}

	s.logSyncOutcome(ctx, store.SyncLog{
		ID:         syncID,
		SyncType:   syncType,
		RowsSynced: rowsSynced,
		Status:     store.SyncStatusSuccess,
	})
	log.Printf("sync: %s synced %d rows", syncID, rowsSynced)
	return SyncResult{
		Success:    true,
		RowsSynced: rowsSynced,
		Headers:    headers,
		Message:    fmt.Sprintf("synced %d rows", rowsSynced),
	}
}

func (s *Service) runSync(ctx context.Context, syncID string) (int, []string, error) {
	csvText, err := s.sheets.FetchCSV(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to fetch sheet: %w", err)
	}

	parsed := csvutil.Parse(csvText)
	if len(parsed) == 0 {
		return 0, nil, errors.New("no data found in sheet")
	}

	headers := parsed[0]
	data := parsed[1:]
	now := time.Now()

	mirrorRows := make([]store.MirrorRow, 0, len(data))
	for i, row := range data {
		rowData := make(map[string]string, len(headers))
		for j, header := range headers {
			if j < len(row) {
				rowData[header] = row[j]
			} else {
				rowData[header] = ""
			}
		}
		mirrorRows = append(mirrorRows, store.MirrorRow{RowIndex: i + 1, RowData: rowData, SyncedAt: now})
	}

	// Wholesale replace: delete then insert, not wrapped in a transaction.
	// A crash between the two steps leaves the mirror empty until the next
	// successful sync.
	if err := s.store.ClearMirror(ctx); err != nil {
		return 0, nil, fmt.Errorf("failed to clear mirror: %w", err)
	}
	if err := s.store.InsertMirrorRows(ctx, mirrorRows); err != nil {
		return 0, nil, fmt.Errorf("failed to sync data: %w", err)
	}
	if err := s.store.UpsertHeaders(ctx, headers); err != nil {
		return 0, nil, fmt.Errorf("failed to record headers: %w", err)
	}

	if s.archive != nil {
		if object, err := s.archive.PutSnapshot(ctx, syncID, csvText); err != nil {
			log.Printf("sync: snapshot upload failed: %v", err)
		} else {
			log.Printf("sync: snapshot stored at %s", object)
		}
	}
	if s.search != nil {
		s.search.IndexRows(mirrorRows)
	}

	return len(data), headers, nil
}

// logSyncOutcome appends the audit entry best-effort; a failing log write
// must not mask the sync outcome.
func (s *Service) logSyncOutcome(ctx context.Context, entry store.SyncLog) {
	if err := s.store.InsertSyncLog(ctx, entry); err != nil {
		log.Printf("sync: failed to record log entry %s: %v", entry.ID, err)
	}
}

func (s *Service) SyncLogs(ctx context.Context) ([]store.SyncLog, error) {
	return s.store.ListSyncLogs(ctx, 20)
}

func (s *Service) MirrorRows(ctx context.Context) ([]store.MirrorRow, error) {
	return s.store.ListMirrorRows(ctx)
}

func (s *Service) SearchMirror(ctx context.Context, query string, limit int) ([]store.MirrorRow, error) {
	if s.search != nil {
		return s.search.Search(ctx, query, limit)
	}
	return s.store.SearchMirrorRows(ctx, query, limit)
}

// ExportMirror renders the mirror as an XLSX workbook in the column order of
// the last sync.
func (s *Service) ExportMirror(ctx context.Context) ([]byte, error) {
	headers, err := s.store.GetHeaders(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListMirrorRows(ctx)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		headers = deriveHeaders(rows)
	}
	return export.XLSX(headers, rows)
}

// deriveHeaders reconstructs a stable column order from row keys when no
// sync_state record exists, which can only happen for mirrors written before
// header tracking.
func deriveHeaders(rows []store.MirrorRow) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for key := range row.RowData {
			seen[key] = struct{}{}
		}
	}
	headers := make([]string, 0, len(seen))
	for key := range seen {
		headers = append(headers, key)
	}
	sort.Strings(headers)
	return headers
}
