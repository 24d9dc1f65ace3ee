package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertEdit persists a user's row edit. The conflict target is the
// (user_id, original_row_index) pair so repeated saves overwrite rather than
// duplicate.
func (s *PostgresStore) UpsertEdit(ctx context.Context, edit Edit) error {
	rowData, err := json.Marshal(edit.RowData)
	if err != nil {
		return fmt.Errorf("marshal row data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sheet_edits (id, user_id, user_email, original_row_index, row_data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, original_row_index)
		DO UPDATE SET user_email=EXCLUDED.user_email, row_data=EXCLUDED.row_data, updated_at=NOW()
	`, edit.ID, edit.UserID, edit.UserEmail, edit.OriginalRowIndex, rowData)
	if err != nil {
		return fmt.Errorf("upsert edit: %w", err)
	}
	return nil
}

// ListEditsByUser returns all saved edits for one user. Edits are never
// visible across users.
func (s *PostgresStore) ListEditsByUser(ctx context.Context, userID string) ([]Edit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, user_email, original_row_index, row_data, updated_at
		FROM sheet_edits
		WHERE user_id=$1
		ORDER BY original_row_index
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list edits: %w", err)
	}
	defer rows.Close()

	items := make([]Edit, 0)
	for rows.Next() {
		var item Edit
		var rowData []byte
		if err := rows.Scan(&item.ID, &item.UserID, &item.UserEmail, &item.OriginalRowIndex, &rowData, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan edit: %w", err)
		}
		if err := json.Unmarshal(rowData, &item.RowData); err != nil {
			return nil, fmt.Errorf("unmarshal row data: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edits: %w", err)
	}
	return items, nil
}

// ClearMirror deletes every mirrored row. The sync job calls this before
// InsertMirrorRows; the two steps are deliberately not wrapped in one
// transaction, matching the replace semantics of the sync contract.
func (s *PostgresStore) ClearMirror(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sheet_mirror`)
	if err != nil {
		return fmt.Errorf("clear mirror: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertMirrorRows(ctx context.Context, items []MirrorRow) error {
	for _, item := range items {
		rowData, err := json.Marshal(item.RowData)
		if err != nil {
			return fmt.Errorf("marshal mirror row %d: %w", item.RowIndex, err)
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO sheet_mirror (row_index, row_data, synced_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (row_index) DO UPDATE SET row_data=EXCLUDED.row_data, synced_at=EXCLUDED.synced_at
		`, item.RowIndex, rowData, item.SyncedAt); err != nil {
			return fmt.Errorf("insert mirror row %d: %w", item.RowIndex, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListMirrorRows(ctx context.Context) ([]MirrorRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_index, row_data, synced_at
		FROM sheet_mirror
		ORDER BY row_index
	`)
	if err != nil {
		return nil, fmt.Errorf("list mirror rows: %w", err)
	}
	defer rows.Close()
	return scanMirrorRows(rows)
}

// SearchMirrorRows is the Postgres search fallback: case-insensitive
// substring match over the serialized row data.
func (s *PostgresStore) SearchMirrorRows(ctx context.Context, query string, limit int) ([]MirrorRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_index, row_data, synced_at
		FROM sheet_mirror
		WHERE row_data::text ILIKE '%' || $1 || '%'
		ORDER BY row_index
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search mirror rows: %w", err)
	}
	defer rows.Close()
	return scanMirrorRows(rows)
}

func scanMirrorRows(rows *sql.Rows) ([]MirrorRow, error) {
	items := make([]MirrorRow, 0)
	for rows.Next() {
		var item MirrorRow
		var rowData []byte
		if err := rows.Scan(&item.RowIndex, &rowData, &item.SyncedAt); err != nil {
			return nil, fmt.Errorf("scan mirror row: %w", err)
		}
		if err := json.Unmarshal(rowData, &item.RowData); err != nil {
			return nil, fmt.Errorf("unmarshal mirror row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mirror rows: %w", err)
	}
	return items, nil
}

// UpsertHeaders records the header row of the last successful sync; the
// XLSX export needs the original column order, which the per-row maps lose.
func (s *PostgresStore) UpsertHeaders(ctx context.Context, headers []string) error {
	data, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_state (id, headers, synced_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET headers=EXCLUDED.headers, synced_at=NOW()
	`, data)
	if err != nil {
		return fmt.Errorf("upsert headers: %w", err)
	}
	return nil
}

// GetHeaders returns the header row of the last successful sync, or nil when
// no sync has completed yet.
func (s *PostgresStore) GetHeaders(ctx context.Context) ([]string, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT headers FROM sync_state WHERE id=1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get headers: %w", err)
	}
	var headers []string
	if err := json.Unmarshal(data, &headers); err != nil {
		return nil, fmt.Errorf("unmarshal headers: %w", err)
	}
	return headers, nil
}

func (s *PostgresStore) InsertSyncLog(ctx context.Context, entry SyncLog) error {
	var errMsg sql.NullString
	if entry.ErrorMessage != "" {
		errMsg = sql.NullString{String: entry.ErrorMessage, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (id, sync_type, rows_synced, status, error_message)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.SyncType, entry.RowsSynced, entry.Status, errMsg)
	if err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSyncLogs(ctx context.Context, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sync_type, rows_synced, status, error_message, created_at
		FROM sync_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	defer rows.Close()

	items := make([]SyncLog, 0)
	for rows.Next() {
		var item SyncLog
		var errMsg sql.NullString
		if err := rows.Scan(&item.ID, &item.SyncType, &item.RowsSynced, &item.Status, &errMsg, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		item.ErrorMessage = errMsg.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync logs: %w", err)
	}
	return items, nil
}
