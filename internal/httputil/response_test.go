package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s, want application/json", ct)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestWriteStatus(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteStatus(rec, "armed")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := decode(t, rec)["status"]; got != "armed" {
		t.Errorf("status field = %q, want armed", got)
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"message": "hello"})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if got := decode(t, rec)["message"]; got != "hello" {
		t.Errorf("message = %s, want 'hello'", got)
	}
}

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		msg    string
	}{
		{"json error", func(w http.ResponseWriter) { WriteJSONError(w, http.StatusConflict, "busy") }, http.StatusConflict, "busy"},
		{"method", MethodNotAllowed, http.StatusMethodNotAllowed, "method not allowed"},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "unknown shape") }, http.StatusBadRequest, "unknown shape"},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "link down") }, http.StatusInternalServerError, "link down"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "no mission") }, http.StatusNotFound, "no mission"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := decode(t, rec)["error"]; got != tt.msg {
				t.Errorf("error = %q, want %q", got, tt.msg)
			}
		})
	}
}
