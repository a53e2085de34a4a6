// Package s2s defines the Provider interface for bidirectional
// speech-to-speech model backends.
//
// A provider wraps a real-time voice model that accepts a continuous
// audio stream plus turn-control signals and produces an ordered stream
// of typed events carrying synthesised audio, transcriptions, tool-call
// requests, and turn-state changes. The bridge treats the session as an
// opaque duplex channel: audio and signals go in through SessionHandle
// methods, everything else comes out through the Events channel.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
)

// ToolDefinition describes one function the model may invoke during the
// session.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON-schema-shaped description of the arguments.
	Parameters map[string]any
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult carries the outcome of a tool invocation back to the model.
type ToolResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// Part is one piece of model output content: inline audio, text, or both.
type Part struct {
	// Audio is raw little-endian PCM16 at the provider's output rate.
	Audio []byte
	Text  string
}

// Transcription is a text rendering of session audio, either the user's
// recognised speech or the model's spoken output.
type Transcription struct {
	Text string
	// Role is "user" for input transcription, "model" for output.
	Role string
}

// StateDelta carries turn-state changes attached to an event. The shape
// is fixed so consumers can match exhaustively instead of probing for
// optional attributes.
type StateDelta struct {
	// TurnComplete is set when the model finished its response turn.
	TurnComplete bool
	// Interrupted is set when the model abandoned its response because
	// new user speech arrived.
	Interrupted bool
}

// Event is one message from the model's event stream. Any combination of
// fields may be populated; zero-value fields mean "not present".
type Event struct {
	// SetupComplete is set once, when the session handshake finished.
	SetupComplete bool

	Transcription *Transcription
	Parts         []Part
	ToolCall      *ToolCall
	StateDelta    StateDelta
}

// SessionConfig is the full configuration surface for a new session.
// Every recognized option is an explicit field; Validate is applied once
// at session open.
type SessionConfig struct {
	// Voice selects the model's synthesised voice.
	Voice string

	// LanguageCode is a BCP-47 tag such as "en-US". Empty uses the
	// provider default.
	LanguageCode string

	// Instructions is the system-level prompt for the session.
	Instructions string

	// Modalities selects the response media, e.g. ["audio"] or ["text"].
	// Empty defaults to audio only.
	Modalities []string

	// MaxOutputTokens caps response length. Zero means provider default.
	MaxOutputTokens int

	// Temperature overrides sampling temperature when non-nil.
	Temperature *float64

	// InputTranscription and OutputTranscription request text renderings
	// of user speech and model speech respectively.
	InputTranscription  bool
	OutputTranscription bool

	// DisableServerVAD turns off the provider's built-in turn detection.
	// Set when local VAD owns turn-taking and end-of-turn is signalled
	// explicitly via SendEndOfTurn.
	DisableServerVAD bool

	// Tools is the set of functions offered to the model for the whole
	// session. Mid-session tool updates are not part of this interface.
	Tools []ToolDefinition
}

// Validate checks the configuration for values no provider can accept.
func (c SessionConfig) Validate() error {
	var errs []error
	if c.MaxOutputTokens < 0 {
		errs = append(errs, errors.New("max output tokens must not be negative"))
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		errs = append(errs, errors.New("temperature must be in [0.0, 2.0]"))
	}
	for _, m := range c.Modalities {
		if m != "audio" && m != "text" {
			errs = append(errs, fmt.Errorf("unknown modality %q", m))
		}
	}
	for i, t := range c.Tools {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("tool %d has no name", i))
		}
	}
	return errors.Join(errs...)
}

// SessionHandle represents an open model session. It is an interface so
// test code can supply scripted implementations without a live
// connection.
//
// The session is the hot path of the bridge; send methods must return
// quickly and the Events channel must be drained promptly. All methods
// are safe for concurrent use. Callers must call Close when done.
type SessionHandle interface {
	// SendAudio delivers one chunk of little-endian PCM16 mono audio at
	// the given sample rate. Audio flows continuously regardless of
	// local speech classification.
	SendAudio(chunk []byte, sampleRate int) error

	// SendText injects a user text message and completes the turn.
	SendText(text string) error

	// SendEndOfTurn signals that the user's utterance is finished and
	// the model should respond. Used when server-side VAD is disabled.
	SendEndOfTurn() error

	// SendToolResult returns tool invocation outcomes to the model.
	SendToolResult(results []ToolResult) error

	// Events returns the ordered event stream. The channel is closed
	// when the session ends; check Err afterwards to distinguish a
	// clean shutdown from a failure.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil after a
	// clean close.
	Err() error

	// Close terminates the session and releases all resources. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any speech-to-speech backend.
type Provider interface {
	// OpenSession validates cfg and establishes a new session. The
	// returned handle is ready to accept audio immediately. The caller
	// owns the handle and must call Close.
	OpenSession(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
