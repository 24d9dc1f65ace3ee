package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"sheetbridge/api/internal/config"
	"sheetbridge/api/internal/display"
	"sheetbridge/api/internal/session"
	"sheetbridge/api/internal/store"
)

type fakeStore struct {
	mu sync.Mutex

	upsertEditFn       func(context.Context, store.Edit) error
	listEditsByUserFn  func(context.Context, string) ([]store.Edit, error)
	clearMirrorFn      func(context.Context) error
	insertMirrorRowsFn func(context.Context, []store.MirrorRow) error
	listMirrorRowsFn   func(context.Context) ([]store.MirrorRow, error)
	searchMirrorRowsFn func(context.Context, string, int) ([]store.MirrorRow, error)
	upsertHeadersFn    func(context.Context, []string) error
	getHeadersFn       func(context.Context) ([]string, error)
	insertSyncLogFn    func(context.Context, store.SyncLog) error
	listSyncLogsFn     func(context.Context, int) ([]store.SyncLog, error)
	pingFn             func(context.Context) error

	upsertedEdits []store.Edit
	cleared       int
	mirrorRows    []store.MirrorRow
	headers       []string
	syncLogs      []store.SyncLog
}

func (f *fakeStore) UpsertEdit(ctx context.Context, edit store.Edit) error {
	f.mu.Lock()
	f.upsertedEdits = append(f.upsertedEdits, edit)
	f.mu.Unlock()
	if f.upsertEditFn != nil {
		return f.upsertEditFn(ctx, edit)
	}
	return nil
}

func (f *fakeStore) ListEditsByUser(ctx context.Context, userID string) ([]store.Edit, error) {
	if f.listEditsByUserFn != nil {
		return f.listEditsByUserFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) ClearMirror(ctx context.Context) error {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
	if f.clearMirrorFn != nil {
		return f.clearMirrorFn(ctx)
	}
	return nil
}

func (f *fakeStore) InsertMirrorRows(ctx context.Context, rows []store.MirrorRow) error {
	f.mu.Lock()
	f.mirrorRows = append(f.mirrorRows, rows...)
	f.mu.Unlock()
	if f.insertMirrorRowsFn != nil {
		return f.insertMirrorRowsFn(ctx, rows)
	}
	return nil
}

func (f *fakeStore) ListMirrorRows(ctx context.Context) ([]store.MirrorRow, error) {
	if f.listMirrorRowsFn != nil {
		return f.listMirrorRowsFn(ctx)
	}
	return f.mirrorRows, nil
}

func (f *fakeStore) SearchMirrorRows(ctx context.Context, query string, limit int) ([]store.MirrorRow, error) {
	if f.searchMirrorRowsFn != nil {
		return f.searchMirrorRowsFn(ctx, query, limit)
	}
	return nil, nil
}

func (f *fakeStore) UpsertHeaders(ctx context.Context, headers []string) error {
	f.mu.Lock()
	f.headers = headers
	f.mu.Unlock()
	if f.upsertHeadersFn != nil {
		return f.upsertHeadersFn(ctx, headers)
	}
	return nil
}

func (f *fakeStore) GetHeaders(ctx context.Context) ([]string, error) {
	if f.getHeadersFn != nil {
		return f.getHeadersFn(ctx)
	}
	return f.headers, nil
}

func (f *fakeStore) InsertSyncLog(ctx context.Context, entry store.SyncLog) error {
	if f.insertSyncLogFn != nil {
		if err := f.insertSyncLogFn(ctx, entry); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.syncLogs = append(f.syncLogs, entry)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) ListSyncLogs(ctx context.Context, limit int) ([]store.SyncLog, error) {
	if f.listSyncLogsFn != nil {
		return f.listSyncLogsFn(ctx, limit)
	}
	return f.syncLogs, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeFetcher struct {
	csv string
	err error
}

func (f *fakeFetcher) FetchCSV(context.Context) (string, error) {
	return f.csv, f.err
}

type fakeForwarder struct {
	mu       sync.Mutex
	rowIndex int
	rowData  []string
	err      error
	done     chan struct{}
}

func newFakeForwarder() *fakeForwarder {
	return &fakeForwarder{done: make(chan struct{}, 1)}
}

func (f *fakeForwarder) Forward(_ context.Context, rowIndex int, rowData []string) error {
	f.mu.Lock()
	f.rowIndex = rowIndex
	f.rowData = rowData
	f.mu.Unlock()
	f.done <- struct{}{}
	return f.err
}

type fakeSessions struct {
	mu   sync.Mutex
	data map[string]session.Data
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{data: make(map[string]session.Data)}
}

func (f *fakeSessions) Save(_ context.Context, tokenHash string, data session.Data) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[tokenHash] = data
	return nil
}

func (f *fakeSessions) Lookup(_ context.Context, tokenHash string) (session.Data, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[tokenHash]
	if !ok {
		return session.Data{}, session.ErrNotFound
	}
	return data, nil
}

func (f *fakeSessions) Revoke(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, tokenHash)
	return nil
}

func (f *fakeSessions) Ping(context.Context) error { return nil }

func newTestService(fs *fakeStore, fetcher *fakeFetcher) *Service {
	return &Service{
		cfg:        config.Config{SyncToken: "test-sync-token", SheetID: "sheet-1"},
		store:      fs,
		sessions:   newFakeSessions(),
		sheets:     fetcher,
		policy:     display.NewPolicy(nil),
		editTTL:    15 * time.Minute,
		editStates: make(map[string]*editState),
	}
}

const sheetCSV = "email,name,notes\nada@example.com,Ada,first\nbob@example.com,Bob,second\nada@example.com,Ada,third\n"

func adaSession() Session {
	return Session{Token: "tok-ada", UserID: "usr_ada", Email: "ada@example.com"}
}

func TestSyncMirrorsRowsAndRecordsOneSuccessLog(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, &fakeFetcher{csv: "email,name\na@x.com,Ada\n\nb@x.com\n"})

	result := svc.Sync(context.Background(), "")

	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.RowsSynced != 2 {
		t.Fatalf("expected 2 rows synced (blank row dropped), got %d", result.RowsSynced)
	}
	if fs.cleared != 1 {
		t.Fatalf("expected mirror cleared once, got %d", fs.cleared)
	}
	if len(fs.mirrorRows) != 2 {
		t.Fatalf("expected 2 mirror rows, got %d", len(fs.mirrorRows))
	}
	if fs.mirrorRows[0].RowIndex != 1 || fs.mirrorRows[1].RowIndex != 2 {
		t.Fatalf("expected row indexes 1 and 2, got %d and %d", fs.mirrorRows[0].RowIndex, fs.mirrorRows[1].RowIndex)
	}
	if got := fs.mirrorRows[1].RowData["name"]; got != "" {
		t.Fatalf("expected missing cell to mirror as empty string, got %q", got)
	}
	if len(fs.syncLogs) != 1 {
		t.Fatalf("expected exactly one sync log entry, got %d", len(fs.syncLogs))
	}
	entry := fs.syncLogs[0]
	if entry.Status != store.SyncStatusSuccess || entry.RowsSynced != 2 || entry.SyncType != store.SyncTypeManual {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
	if len(fs.headers) != 2 || fs.headers[0] != "email" {
		t.Fatalf("expected headers recorded, got %v", fs.headers)
	}
}

func TestSyncFetchFailureRecordsErrorLogAndLeavesMirrorAlone(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, &fakeFetcher{err: errors.New("boom")})

	result := svc.Sync(context.Background(), store.SyncTypeScheduled)

	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "failed to fetch sheet") {
		t.Fatalf("unexpected error message: %q", result.Error)
	}
	if fs.cleared != 0 || len(fs.mirrorRows) != 0 {
		t.Fatal("mirror must not be touched when the fetch fails")
	}
	if len(fs.syncLogs) != 1 {
		t.Fatalf("expected exactly one sync log entry, got %d", len(fs.syncLogs))
	}
	entry := fs.syncLogs[0]
	if entry.Status != store.SyncStatusError || entry.SyncType != store.SyncTypeScheduled || entry.RowsSynced != 0 {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.ErrorMessage == "" {
		t.Fatal("expected error message on the log entry")
	}
}

func TestSyncEmptySheetFails(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, &fakeFetcher{csv: ""})

	result := svc.Sync(context.Background(), store.SyncTypeManual)

	if result.Success {
		t.Fatal("expected failure for empty sheet")
	}
	if !strings.Contains(result.Error, "no data found in sheet") {
		t.Fatalf("unexpected error message: %q", result.Error)
	}
}

func TestSyncSurvivesLogWriteFailure(t *testing.T) {
	fs := &fakeStore{
		insertSyncLogFn: func(context.Context, store.SyncLog) error {
			return errors.New("log table unavailable")
		},
	}
	svc := newTestService(fs, &fakeFetcher{csv: "email\na@x.com\n"})

	result := svc.Sync(context.Background(), store.SyncTypeManual)

	if !result.Success {
		t.Fatalf("sync outcome must not be masked by a failing log write: %q", result.Error)
	}
	if result.RowsSynced != 1 {
		t.Fatalf("expected 1 row synced, got %d", result.RowsSynced)
	}
}

func TestLoadSheetShowsOnlyOwnRows(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, &fakeFetcher{csv: sheetCSV})

	view, err := svc.LoadSheet(context.Background(), adaSession(), false, false)
	if err != nil {
		t.Fatalf("LoadSheet: %v", err)
	}
	if len(view.Rows) != 2 {
		t.Fatalf("expected 2 rows for ada, got %d", len(view.Rows))
	}
	if view.Rows[0].RowIndex != 1 || view.Rows[1].RowIndex != 3 {
		t.Fatalf("expected rows 1 and 3, got %d and %d", view.Rows[0].RowIndex, view.Rows[1].RowIndex)
	}
	for _, row := range view.Rows {
		if !row.Editable || row.HasUnsavedChanges {
			t.Fatalf("unexpected row flags: %+v", row)
		}
	}
}

func TestLoadSheetAppliesSavedEditsFromStore(t *testing.T) {
	fs := &fakeStore{
		listEditsByUserFn: func(_ context.Context, userID string) ([]store.Edit, error) {
			if userID != "usr_ada" {
				t.Fatalf("expected saved edits loaded for usr_ada, got %q", userID)
			}
			return []store.Edit{{OriginalRowIndex: 1, RowData: []string{"ada@example.com", "Ada Lovelace", "first"}}}, nil
		},
	}
	svc := newTestService(fs, &fakeFetcher{csv: sheetCSV})

	view, err := svc.LoadSheet(context.Background(), adaSession(), false, false)
	if err != nil {
		t.Fatalf("LoadSheet: %v", err)
	}
	if got := view.Rows[0].Data[1]; got != "Ada Lovelace" {
		t.Fatalf("expected saved edit to win over the original, got %q", got)
	}
	if got := view.Rows[1].Data[1]; got != "Ada" {
		t.Fatalf("row 3 has no saved edit and must show the original, got %q", got)
	}
}

func TestApplyEditPendingWinsOverSaved(t *testing.T) {
	fs := &fakeStore{
		listEditsByUserFn: func(context.Context, string) ([]store.Edit, error) {
			return []store.Edit{{OriginalRowIndex: 1, RowData: []string{"ada@example.com", "Saved", "first"}}}, nil
		},
	}
	svc := newTestService(fs, &fakeFetcher{csv: sheetCSV})
	sess := adaSession()

	value, err := svc.ApplyEdit(context.Background(), sess, 1, 1, "Pending")
	if err != nil {
		t.Fatalf("ApplyEdit: %v", err)
	}
	if value != "Pending" {
		t.Fatalf("expected pending value to win, got %q", value)
	}

	view, err := svc.LoadSheet(context.Background(), sess, false, false)
	if err != nil {
		t.Fatalf("LoadSheet: %v", err)
	}
	if !view.Rows[0].HasUnsavedChanges {
		t.Fatal("expected row 1 flagged as having unsaved changes")
	}
	if view.Rows[1].HasUnsavedChanges {
		t.Fatal("dirtiness is per row, row 3 must stay clean")
	}
}

func TestApplyEditEmailColumnForbidden(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeFetcher{csv: sheetCSV})

	_, err := svc.ApplyEdit(context.Background(), adaSession(), 1, 0, "other@example.com")

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "CELL_NOT_EDITABLE" {
		t.Fatalf("expected CELL_NOT_EDITABLE, got %v", err)
	}
}

func TestApplyEditForeignRowForbidden(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeFetcher{csv: sheetCSV})

	_, err := svc.ApplyEdit(context.Background(), adaSession(), 2, 1, "x")

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "ROW_NOT_EDITABLE" {
		t.Fatalf("expected ROW_NOT_EDITABLE for bob's row, got %v", err)
	}
}

func TestApplyEditUnknownRowNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeFetcher{csv: sheetCSV})

	_, err := svc.ApplyEdit(context.Background(), adaSession(), 99, 1, "x")

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected 404 for unknown row, got %v", err)
	}
}

func TestSaveRowPersistsPromotesAndForwards(t *testing.T) {
	fs := &fakeStore{}
	forwarder := newFakeForwarder()
	svc := newTestService(fs, &fakeFetcher{csv: sheetCSV})
	svc.forward = forwarder
	sess := adaSession()

	if _, err := svc.ApplyEdit(context.Background(), sess, 1, 2, "updated notes"); err != nil {
		t.Fatalf("ApplyEdit: %v", err)
	}
	rowData, err := svc.SaveRow(context.Background(), sess, 1)
	if err != nil {
		t.Fatalf("SaveRow: %v", err)
	}
	if rowData[2] != "updated notes" || rowData[0] != "ada@example.com" {
		t.Fatalf("unexpected saved row: %v", rowData)
	}

	if len(fs.upsertedEdits) != 1 {
		t.Fatalf("expected one upserted edit, got %d", len(fs.upsertedEdits))
	}
	edit := fs.upsertedEdits[0]
	if edit.UserID != sess.UserID || edit.OriginalRowIndex != 1 {
		t.Fatalf("edit keyed wrong: %+v", edit)
	}
	if edit.ID == "" || edit.UserEmail != sess.Email {
		t.Fatalf("edit missing identity fields: %+v", edit)
	}

	select {
	case <-forwarder.done:
	case <-time.After(2 * time.Second):
		t.Fatal("forward never happened")
	}
	forwarder.mu.Lock()
	defer forwarder.mu.Unlock()
	if forwarder.rowIndex != 1 || forwarder.rowData[2] != "updated notes" {
		t.Fatalf("forwarded payload wrong: row %d data %v", forwarder.rowIndex, forwarder.rowData)
	}

	view, err := svc.LoadSheet(context.Background(), sess, false, false)
	if err != nil {
		t.Fatalf("LoadSheet: %v", err)
	}
	if view.Rows[0].HasUnsavedChanges {
		t.Fatal("save must clear the dirty flag")
	}
	if got := view.Rows[0].Data[2]; got != "updated notes" {
		t.Fatalf("saved value must survive the promotion, got %q", got)
	}
}

func TestSaveRowForwardFailureDoesNotFailSave(t *testing.T) {
	fs := &fakeStore{}
	forwarder := newFakeForwarder()
	forwarder.err = errors.New("webhook down")
	svc := newTestService(fs, &fakeFetcher{csv: sheetCSV})
	svc.forward = forwarder
	sess := adaSession()

	if _, err := svc.SaveRow(context.Background(), sess, 1); err != nil {
		t.Fatalf("forward failures must not affect the save: %v", err)
	}
	select {
	case <-forwarder.done:
	case <-time.After(2 * time.Second):
		t.Fatal("forward never attempted")
	}
	if len(fs.upsertedEdits) != 1 {
		t.Fatalf("expected the edit persisted, got %d", len(fs.upsertedEdits))
	}
}

func TestSaveRowPersistFailureKeepsPendingEdits(t *testing.T) {
	fs := &fakeStore{
		upsertEditFn: func(context.Context, store.Edit) error {
			return errors.New("database unavailable")
		},
	}
	svc := newTestService(fs, &fakeFetcher{csv: sheetCSV})
	sess := adaSession()

	if _, err := svc.ApplyEdit(context.Background(), sess, 1, 1, "Keep Me"); err != nil {
		t.Fatalf("ApplyEdit: %v", err)
	}
	if _, err := svc.SaveRow(context.Background(), sess, 1); err == nil {
		t.Fatal("expected save to fail")
	}

	view, err := svc.LoadSheet(context.Background(), sess, false, false)
	if err != nil {
		t.Fatalf("LoadSheet: %v", err)
	}
	if !view.Rows[0].HasUnsavedChanges {
		t.Fatal("failed save must leave pending edits intact")
	}
	if got := view.Rows[0].Data[1]; got != "Keep Me" {
		t.Fatalf("pending value lost after failed save, got %q", got)
	}
}

func TestSaveRowUnknownRowNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeFetcher{csv: sheetCSV})

	_, err := svc.SaveRow(context.Background(), adaSession(), 42)

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestEditsAreIsolatedPerUser(t *testing.T) {
	savedByUser := map[string][]store.Edit{
		"usr_ada": {{OriginalRowIndex: 1, RowData: []string{"ada@example.com", "Ada Edited", "first"}}},
	}
	fs := &fakeStore{
		listEditsByUserFn: func(_ context.Context, userID string) ([]store.Edit, error) {
			return savedByUser[userID], nil
		},
	}
	svc := newTestService(fs, &fakeFetcher{csv: sheetCSV})

	ada := adaSession()
	bob := Session{Token: "tok-bob", UserID: "usr_bob", Email: "bob@example.com"}

	if _, err := svc.ApplyEdit(context.Background(), ada, 3, 1, "Ada Pending"); err != nil {
		t.Fatalf("ApplyEdit: %v", err)
	}

	bobView, err := svc.LoadSheet(context.Background(), bob, false, false)
	if err != nil {
		t.Fatalf("LoadSheet bob: %v", err)
	}
	if len(bobView.Rows) != 1 || bobView.Rows[0].RowIndex != 2 {
		t.Fatalf("bob must only see row 2, got %+v", bobView.Rows)
	}
	if got := bobView.Rows[0].Data[1]; got != "Bob" {
		t.Fatalf("ada's edits leaked into bob's view: %q", got)
	}

	adaView, err := svc.LoadSheet(context.Background(), ada, false, false)
	if err != nil {
		t.Fatalf("LoadSheet ada: %v", err)
	}
	if got := adaView.Rows[0].Data[1]; got != "Ada Edited" {
		t.Fatalf("expected ada's saved edit, got %q", got)
	}
	if got := adaView.Rows[1].Data[1]; got != "Ada Pending" {
		t.Fatalf("expected ada's pending edit, got %q", got)
	}
}

func TestRefreshDiscardsPendingEdits(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeFetcher{csv: sheetCSV})
	sess := adaSession()

	if _, err := svc.ApplyEdit(context.Background(), sess, 1, 1, "Pending"); err != nil {
		t.Fatalf("ApplyEdit: %v", err)
	}
	view, err := svc.LoadSheet(context.Background(), sess, true, false)
	if err != nil {
		t.Fatalf("LoadSheet: %v", err)
	}
	if view.Rows[0].HasUnsavedChanges {
		t.Fatal("refresh must discard pending edits")
	}
	if got := view.Rows[0].Data[1]; got != "Ada" {
		t.Fatalf("expected the live value after refresh, got %q", got)
	}
}

func TestLoadSheetFetchFailure(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeFetcher{err: errors.New("export unavailable")})

	_, err := svc.LoadSheet(context.Background(), adaSession(), false, false)

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "SHEET_FETCH_FAILED" {
		t.Fatalf("expected SHEET_FETCH_FAILED, got %v", err)
	}
}

func TestLoginRequiresEmail(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeFetcher{csv: sheetCSV})

	_, err := svc.Login(context.Background(), "   ")

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected 422 for blank email, got %v", err)
	}
}

func TestLoginDerivesStableUserID(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeFetcher{csv: sheetCSV})

	first, err := svc.Login(context.Background(), " Ada@Example.COM ")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	second, err := svc.Login(context.Background(), "ada@example.com")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if first.UserID != second.UserID {
		t.Fatalf("same address must map to the same user: %q vs %q", first.UserID, second.UserID)
	}
	if first.Token == second.Token {
		t.Fatal("each login must mint a fresh token")
	}
	if first.Email != "ada@example.com" {
		t.Fatalf("expected the normalized email on the session, got %q", first.Email)
	}
}

func TestExportMirrorDerivesHeadersWhenMissing(t *testing.T) {
	fs := &fakeStore{
		listMirrorRowsFn: func(context.Context) ([]store.MirrorRow, error) {
			return []store.MirrorRow{
				{RowIndex: 1, RowData: map[string]string{"email": "a@x.com", "name": "Ada"}},
			}, nil
		},
	}
	svc := newTestService(fs, &fakeFetcher{csv: sheetCSV})

	data, err := svc.ExportMirror(context.Background())
	if err != nil {
		t.Fatalf("ExportMirror: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected a workbook")
	}
}
