package writeback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestWebhookForwarderPostsPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewWebhookForwarder(srv.Client(), srv.URL)
	if err := f.Forward(context.Background(), 3, []string{"a@x.com", "Alice"}); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if got["row_index"] != float64(3) {
		t.Errorf("row_index: %v", got["row_index"])
	}
	wantData := []any{"a@x.com", "Alice"}
	if !reflect.DeepEqual(got["row_data"], wantData) {
		t.Errorf("row_data: %v", got["row_data"])
	}
}

func TestWebhookForwarderReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewWebhookForwarder(srv.Client(), srv.URL)
	if err := f.Forward(context.Background(), 1, []string{"x"}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
