package telephony_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/voicebridge/internal/telephony"
)

const (
	testAccountSID = "AC0000000000000000000000000000test"
	testAuthToken  = "token-secret"
)

// newFakeAPI serves canned responses while recording the request for
// assertions.
func newFakeAPI(t *testing.T, status int, body string) (*telephony.Client, *http.Request, *string) {
	t.Helper()
	var captured http.Request
	var capturedBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = *r
		b, _ := io.ReadAll(r.Body)
		capturedBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	client := telephony.New(testAccountSID, testAuthToken, telephony.WithBaseURL(srv.URL))
	return client, &captured, &capturedBody
}

func TestListNumbers(t *testing.T) {
	const page = `{
		"incoming_phone_numbers": [
			{
				"sid": "PN1",
				"phone_number": "+15550001111",
				"friendly_name": "main line",
				"voice_url": "https://voice.example.com/twilio/incoming",
				"capabilities": {"voice": true, "sms": false, "mms": false}
			},
			{"sid": "PN2", "phone_number": "+15550002222"}
		]
	}`
	client, req, _ := newFakeAPI(t, http.StatusOK, page)

	numbers, err := client.ListNumbers(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListNumbers: %v", err)
	}
	if len(numbers) != 2 {
		t.Fatalf("len = %d, want 2", len(numbers))
	}
	if numbers[0].SID != "PN1" || numbers[0].PhoneNumber != "+15550001111" {
		t.Errorf("first number = %+v", numbers[0])
	}
	if !numbers[0].Capabilities.Voice {
		t.Error("voice capability not decoded")
	}

	wantPath := "/2010-04-01/Accounts/" + testAccountSID + "/IncomingPhoneNumbers.json"
	if req.URL.Path != wantPath {
		t.Errorf("path = %q, want %q", req.URL.Path, wantPath)
	}
	if got := req.URL.Query().Get("PageSize"); got != "10" {
		t.Errorf("PageSize = %q", got)
	}
	if user, pass, ok := req.BasicAuth(); !ok || user != testAccountSID || pass != testAuthToken {
		t.Error("request not authenticated with account credentials")
	}
}

func TestListNumbers_DefaultLimit(t *testing.T) {
	client, req, _ := newFakeAPI(t, http.StatusOK, `{"incoming_phone_numbers": []}`)

	if _, err := client.ListNumbers(context.Background(), 0); err != nil {
		t.Fatalf("ListNumbers: %v", err)
	}
	if got := req.URL.Query().Get("PageSize"); got != "50" {
		t.Errorf("PageSize = %q, want 50", got)
	}
}

func TestConfigureWebhooks(t *testing.T) {
	const updated = `{
		"sid": "PN1",
		"phone_number": "+15550001111",
		"voice_url": "https://voice.example.com/twilio/incoming",
		"status_callback": "https://voice.example.com/twilio/status"
	}`
	client, req, body := newFakeAPI(t, http.StatusOK, updated)

	number, err := client.ConfigureWebhooks(context.Background(), "PN1",
		"https://voice.example.com/twilio/incoming",
		"https://voice.example.com/twilio/status")
	if err != nil {
		t.Fatalf("ConfigureWebhooks: %v", err)
	}
	if number.VoiceURL != "https://voice.example.com/twilio/incoming" {
		t.Errorf("voice_url = %q", number.VoiceURL)
	}

	if req.Method != http.MethodPost {
		t.Errorf("method = %s", req.Method)
	}
	if !strings.HasSuffix(req.URL.Path, "/IncomingPhoneNumbers/PN1.json") {
		t.Errorf("path = %q", req.URL.Path)
	}
	if !strings.Contains(*body, "VoiceUrl=") || !strings.Contains(*body, "StatusCallback=") {
		t.Errorf("form body = %q", *body)
	}
}

func TestConfigureWebhooks_NothingToDo(t *testing.T) {
	client := telephony.New(testAccountSID, testAuthToken)
	if _, err := client.ConfigureWebhooks(context.Background(), "PN1", "", ""); err == nil {
		t.Fatal("expected error for empty update")
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	client, _, _ := newFakeAPI(t, http.StatusUnauthorized,
		`{"code": 20003, "message": "Authentication Error - invalid username"}`)

	_, err := client.ListNumbers(context.Background(), 5)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "20003") || !strings.Contains(err.Error(), "Authentication Error") {
		t.Errorf("error = %v, want provider code and message", err)
	}
}
