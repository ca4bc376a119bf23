package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/skyloom/patternpilot/internal/httputil"
)

func TestRunCommands(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		method string
		path   string
		body   string
	}{
		{"arm", []string{"arm"}, http.MethodPost, "/api/arm", ""},
		{"rtl", []string{"rtl"}, http.MethodPost, "/api/rtl", ""},
		{"status", []string{"status"}, http.MethodGet, "/api/status", ""},
		{"offboard", []string{"offboard", "start"}, http.MethodPost, "/api/offboard/start", ""},
		{"pattern", []string{"pattern", "-shape", "heart", "-size", "3"}, http.MethodPost, "/api/pattern",
			`{"height":5,"shape":"heart","size":3,"speed":0.5,"steps":0}`},
		{"velocity", []string{"velocity", "1", "0", "-0.5", "15"}, http.MethodPost, "/api/velocity",
			`{"vx":1,"vy":0,"vz":-0.5,"yaw_rate":15}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, `{"status":"ok"}`)
			c := &client{base: "http://drone:8081", http: mock}
			var out bytes.Buffer
			if err := c.run(context.Background(), tt.args, &out); err != nil {
				t.Fatalf("run: %v", err)
			}
			if mock.RequestCount() != 1 {
				t.Fatalf("expected 1 request, got %d", mock.RequestCount())
			}
			req := mock.Requests[0]
			if req.Method != tt.method || req.URL.Path != tt.path {
				t.Errorf("got %s %s, want %s %s", req.Method, req.URL.Path, tt.method, tt.path)
			}
			if tt.body != "" {
				var got, want map[string]any
				json.Unmarshal([]byte(mock.Bodies[0]), &got)
				json.Unmarshal([]byte(tt.body), &want)
				if len(got) != len(want) {
					t.Errorf("body = %s, want %s", mock.Bodies[0], tt.body)
				}
				for k, v := range want {
					if got[k] != v {
						t.Errorf("body[%s] = %v, want %v", k, got[k], v)
					}
				}
			}
			if !strings.Contains(out.String(), `"status": "ok"`) {
				t.Errorf("output = %q", out.String())
			}
		})
	}
}

func TestRunErrors(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusBadRequest, `{"error":"vehicle not armed"}`)
	c := &client{base: "http://drone:8081", http: mock}

	err := c.run(context.Background(), []string{"pattern"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "vehicle not armed") {
		t.Errorf("expected server error, got %v", err)
	}

	for _, args := range [][]string{nil, {"hover"}, {"offboard"}, {"velocity", "1", "2"}, {"velocity", "a", "0", "0", "0"}} {
		if err := c.run(context.Background(), args, &bytes.Buffer{}); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
	if mock.RequestCount() != 1 {
		t.Errorf("invalid commands should not reach the server, got %d requests", mock.RequestCount())
	}
}
