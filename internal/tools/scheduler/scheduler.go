// Package scheduler implements the meeting-scheduling tool offered to the
// model session. A tool call carries contact details and a requested slot;
// the tool validates the arguments, relays them to a webhook endpoint with
// a bounded timeout, and maps every outcome (including timeouts and
// downstream failures) to a structured result with a user-facing message.
// Tool failures are data, never session faults.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"time"

	"github.com/MrWong99/voicebridge/pkg/s2s"
)

// ToolName is the function name declared to the model.
const ToolName = "schedule_meeting"

const (
	defaultTimeout  = 20 * time.Second
	defaultDuration = 30
)

// Option is a functional option for configuring a Tool.
type Option func(*Tool)

// WithTimeout bounds each webhook call. Zero or negative keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithHTTPClient overrides the HTTP client. Primarily used in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// Tool books meetings through a webhook collaborator.
type Tool struct {
	webhookURL string
	timeout    time.Duration
	client     *http.Client
}

// New creates a Tool posting to webhookURL.
func New(webhookURL string, opts ...Option) *Tool {
	t := &Tool{
		webhookURL: webhookURL,
		timeout:    defaultTimeout,
		client:     http.DefaultClient,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Definition returns the function declaration announced to the model at
// session open.
func (t *Tool) Definition() s2s.ToolDefinition {
	return s2s.ToolDefinition{
		Name:        ToolName,
		Description: "Schedules a meeting with the caller. Collect the caller's name, email address, preferred date and time before calling.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Full name of the caller.",
				},
				"email": map[string]any{
					"type":        "string",
					"description": "Email address for the meeting invite.",
				},
				"date": map[string]any{
					"type":        "string",
					"description": "Meeting date in YYYY-MM-DD format.",
				},
				"meeting_time": map[string]any{
					"type":        "string",
					"description": "Meeting start time in 24h HH:MM format.",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "Optional meeting title.",
				},
				"duration_minutes": map[string]any{
					"type":        "integer",
					"description": "Optional meeting length in minutes, default 30.",
				},
			},
			"required": []string{"name", "email", "date", "meeting_time"},
		},
	}
}

// request is the payload relayed to the webhook.
type request struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Date            string `json:"date"`
	MeetingTime     string `json:"meeting_time"`
	Title           string `json:"title,omitempty"`
	DurationMinutes int    `json:"duration_minutes"`
}

// Invoke executes one tool call. The returned result always carries a
// "status" and a spoken "message"; errors are folded into the result so
// the conversation continues.
func (t *Tool) Invoke(ctx context.Context, call s2s.ToolCall) s2s.ToolResult {
	req, err := parseArgs(call.Args)
	if err != nil {
		return failure(call, fmt.Sprintf("I could not book that meeting: %v. Could you repeat the details?", err))
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return failure(call, "I could not book that meeting due to an internal problem. Please try again.")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.webhookURL, bytes.NewReader(body))
	if err != nil {
		return failure(call, "I could not reach the scheduling service. Please try again later.")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return failure(call, "The scheduling service is taking too long to respond. Please try again in a moment.")
		}
		return failure(call, "I could not reach the scheduling service. Please try again later.")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failure(call, "The scheduling service rejected the booking. Please try a different time.")
	}

	return s2s.ToolResult{
		ID:   call.ID,
		Name: call.Name,
		Response: map[string]any{
			"status": "success",
			"message": fmt.Sprintf("The meeting for %s is booked on %s at %s. A confirmation goes to %s.",
				req.Name, req.Date, req.MeetingTime, req.Email),
		},
	}
}

func failure(call s2s.ToolCall, message string) s2s.ToolResult {
	return s2s.ToolResult{
		ID:   call.ID,
		Name: call.Name,
		Response: map[string]any{
			"status":  "error",
			"message": message,
		},
	}
}

// parseArgs validates the model-supplied arguments.
func parseArgs(args map[string]any) (request, error) {
	req := request{DurationMinutes: defaultDuration}

	var errs []error

	req.Name, _ = args["name"].(string)
	if req.Name == "" {
		errs = append(errs, errors.New("the caller's name is missing"))
	}

	req.Email, _ = args["email"].(string)
	if _, err := mail.ParseAddress(req.Email); err != nil {
		errs = append(errs, errors.New("the email address is not valid"))
	}

	req.Date, _ = args["date"].(string)
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		errs = append(errs, errors.New("the date must be in YYYY-MM-DD format"))
	}

	req.MeetingTime, _ = args["meeting_time"].(string)
	if _, err := time.Parse("15:04", req.MeetingTime); err != nil {
		errs = append(errs, errors.New("the time must be in 24h HH:MM format"))
	}

	req.Title, _ = args["title"].(string)
	if d, ok := args["duration_minutes"].(float64); ok && d > 0 {
		req.DurationMinutes = int(d)
	}

	return req, errors.Join(errs...)
}
