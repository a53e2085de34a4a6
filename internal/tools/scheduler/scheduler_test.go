package scheduler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicebridge/internal/tools/scheduler"
	"github.com/MrWong99/voicebridge/pkg/s2s"
)

func validArgs() map[string]any {
	return map[string]any{
		"name":         "Ada Lovelace",
		"email":        "ada@example.com",
		"date":         "2026-09-15",
		"meeting_time": "14:30",
	}
}

func call(args map[string]any) s2s.ToolCall {
	return s2s.ToolCall{ID: "fc-1", Name: scheduler.ToolName, Args: args}
}

func TestInvoke_Success(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tool := scheduler.New(srv.URL)
	res := tool.Invoke(context.Background(), call(validArgs()))

	if res.ID != "fc-1" || res.Name != scheduler.ToolName {
		t.Fatalf("result identity mismatch: %+v", res)
	}
	if res.Response["status"] != "success" {
		t.Fatalf("status = %v, want success (message: %v)", res.Response["status"], res.Response["message"])
	}
	msg, _ := res.Response["message"].(string)
	if !strings.Contains(msg, "2026-09-15") || !strings.Contains(msg, "14:30") {
		t.Errorf("message should repeat the booked slot, got %q", msg)
	}

	body := <-received
	if body["name"] != "Ada Lovelace" || body["email"] != "ada@example.com" {
		t.Errorf("webhook payload mismatch: %v", body)
	}
	if body["duration_minutes"] != float64(30) {
		t.Errorf("default duration missing: %v", body["duration_minutes"])
	}
}

func TestInvoke_InvalidArguments(t *testing.T) {
	tool := scheduler.New("http://127.0.0.1:0")

	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing name", func(a map[string]any) { delete(a, "name") }},
		{"bad email", func(a map[string]any) { a["email"] = "not-an-email" }},
		{"bad date", func(a map[string]any) { a["date"] = "15.09.2026" }},
		{"bad time", func(a map[string]any) { a["meeting_time"] = "2pm" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			args := validArgs()
			tc.mutate(args)
			res := tool.Invoke(context.Background(), call(args))
			if res.Response["status"] != "error" {
				t.Fatalf("status = %v, want error", res.Response["status"])
			}
			if msg, _ := res.Response["message"].(string); msg == "" {
				t.Error("error result must carry a user-facing message")
			}
		})
	}
}

func TestInvoke_Timeout(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	tool := scheduler.New(srv.URL, scheduler.WithTimeout(50*time.Millisecond))
	res := tool.Invoke(context.Background(), call(validArgs()))

	if res.Response["status"] != "error" {
		t.Fatalf("status = %v, want error", res.Response["status"])
	}
	msg, _ := res.Response["message"].(string)
	if !strings.Contains(msg, "too long") {
		t.Errorf("timeout should surface as a slow-service message, got %q", msg)
	}
}

func TestInvoke_DownstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tool := scheduler.New(srv.URL)
	res := tool.Invoke(context.Background(), call(validArgs()))
	if res.Response["status"] != "error" {
		t.Fatalf("status = %v, want error", res.Response["status"])
	}
}

func TestDefinition_DeclaresRequiredFields(t *testing.T) {
	def := scheduler.New("http://example.com").Definition()
	if def.Name != scheduler.ToolName {
		t.Fatalf("name = %q", def.Name)
	}
	required, _ := def.Parameters["required"].([]string)
	want := map[string]bool{"name": true, "email": true, "date": true, "meeting_time": true}
	if len(required) != len(want) {
		t.Fatalf("required = %v", required)
	}
	for _, f := range required {
		if !want[f] {
			t.Errorf("unexpected required field %q", f)
		}
	}
}
