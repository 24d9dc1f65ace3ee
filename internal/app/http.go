package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sheetbridge/api/internal/editor"
	"sheetbridge/api/internal/session"
	"sheetbridge/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"sessions": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.service.PingSessions(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sessions"] = map[string]any{"status": "error", "error": err.Error()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sess, err := s.service.Login(r.Context(), body.Email)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":  sess.Token,
			"userId": sess.UserID,
			"email":  sess.Email,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "email": nil})
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "email": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "email": sess.Email, "userId": sess.UserID})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if token := bearerToken(r); token != "" {
			if sess, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				_ = s.service.Logout(r.Context(), sess)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Sync invocation: reachable with the internal sync token (for the
	// scheduler or an external cron) or with a user session.
	if r.Method == http.MethodPost && r.URL.Path == "/api/sync" {
		syncToken := strings.TrimSpace(r.Header.Get("x-sheetbridge-sync-token"))
		if syncToken == "" || syncToken != s.service.SyncToken() {
			if _, ok := s.requireSession(w, r); !ok {
				return
			}
		}
		var body struct {
			SyncType string `json:"sync_type"`
		}
		_ = decodeBody(r, &body)
		if body.SyncType != "" && body.SyncType != store.SyncTypeManual && body.SyncType != store.SyncTypeScheduled {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sync_type must be manual or scheduled", nil)
			return
		}
		result := s.service.Sync(r.Context(), body.SyncType)
		if !result.Success {
			writeJSON(w, http.StatusInternalServerError, result)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/sheet" {
		refresh := r.URL.Query().Get("refresh") == "true"
		applyDisplay := r.URL.Query().Get("display") == "true"
		view, err := s.service.LoadSheet(r.Context(), sess, refresh, applyDisplay)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"headers":  view.Headers,
			"rows":     view.Rows,
			"rowCount": len(view.Rows),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/edits" {
		edits, err := s.service.ListEdits(r.Context(), sess)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list edits", nil)
			return
		}
		payload := make([]map[string]any, 0, len(edits))
		for _, edit := range edits {
			payload = append(payload, map[string]any{
				"originalRowIndex": edit.OriginalRowIndex,
				"rowData":          edit.RowData,
				"updatedAt":        edit.UpdatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"edits": payload})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/sync/logs" {
		logs, err := s.service.SyncLogs(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list sync logs", nil)
			return
		}
		payload := make([]map[string]any, 0, len(logs))
		for _, entry := range logs {
			payload = append(payload, syncLogPayload(entry))
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": payload})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/mirror" {
		rows, err := s.service.MirrorRows(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list mirror rows", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rows": mirrorPayload(rows), "count": len(rows)})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/mirror/search" {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
			return
		}
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		rows, err := s.service.SearchMirror(r.Context(), query, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Search failed", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": mirrorPayload(rows), "query": query})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/mirror/export" {
		data, err := s.service.ExportMirror(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Export failed", nil)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="mirror.xlsx"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	parts := splitPath(r.URL.Path)

	// PUT /api/sheet/rows/{rowIndex}/cells/{cellIndex}
	if len(parts) == 6 && parts[0] == "api" && parts[1] == "sheet" && parts[2] == "rows" && parts[4] == "cells" {
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		rowIndex, err := strconv.Atoi(parts[3])
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "row index must be an integer", nil)
			return
		}
		cellIndex, err := strconv.Atoi(parts[5])
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cell index must be an integer", nil)
			return
		}
		var body struct {
			Value string `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		value, err := s.service.ApplyEdit(r.Context(), sess, rowIndex, cellIndex, body.Value)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rowIndex": rowIndex, "cellIndex": cellIndex, "effectiveValue": value})
		return
	}

	// POST /api/sheet/rows/{rowIndex}/save
	if len(parts) == 5 && parts[0] == "api" && parts[1] == "sheet" && parts[2] == "rows" && parts[4] == "save" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		rowIndex, err := strconv.Atoi(parts[3])
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "row index must be an integer", nil)
			return
		}
		rowData, err := s.service.SaveRow(r.Context(), sess, rowIndex)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rowIndex": rowIndex, "rowData": rowData})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func syncLogPayload(entry store.SyncLog) map[string]any {
	payload := map[string]any{
		"id":          entry.ID,
		"sync_type":   entry.SyncType,
		"rows_synced": entry.RowsSynced,
		"status":      entry.Status,
		"created_at":  entry.CreatedAt,
	}
	if entry.ErrorMessage != "" {
		payload["error_message"] = entry.ErrorMessage
	}
	return payload
}

func mirrorPayload(rows []store.MirrorRow) []map[string]any {
	payload := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, map[string]any{
			"rowIndex": row.RowIndex,
			"rowData":  row.RowData,
			"syncedAt": row.SyncedAt,
		})
	}
	return payload
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return sess, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, editor.ErrRowNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, session.ErrNotFound) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
