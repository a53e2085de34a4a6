package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/s2s"
)

const (
	clientKeepaliveInterval = 20 * time.Second

	// Minimum spacing between consecutive outbound audio sends. Chunks
	// arriving faster are delayed, never dropped.
	clientAudioMinSpacing = 10 * time.Millisecond
)

// ClientConfig configures one interactive client session.
type ClientConfig struct {
	// Provider opens the model session after the greeting. The model's
	// own speech detection stays enabled on this transport; the client
	// signals end-of-turn explicitly or relies on the server.
	Provider s2s.Provider

	// Session is the model session configuration.
	Session s2s.SessionConfig

	// Tool handles model function calls. Optional.
	Tool ToolInvoker

	// Keepalive overrides the ping interval. Zero uses the default.
	Keepalive time.Duration

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// clientMessage is the JSON control message in both directions. Inbound
// types are "audio", "text" and "end"; outbound types are "ready",
// "transcription", "text", "audio" (base64 fallback), "function_call",
// "turn_complete", "interrupted" and "error".
type clientMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type clientSession struct {
	conn  *websocket.Conn
	model s2s.SessionHandle
	cfg   ClientConfig
	log   *slog.Logger
	met   *observe.Metrics

	state *SessionState
	dedup *Deduplicator

	// Outbound-pump-owned, unlocked.
	lastAudioSend time.Time
	audioSequence int

	group *errgroup.Group
}

// ServeClient runs one interactive client session: it greets the peer,
// opens a model session, and relays messages both ways until the client
// disconnects or a pump fails. Unlike the telephony path there is no
// local speech detector and no batcher; client audio is already wideband
// PCM and the model's own activity detection owns turn-taking.
func ServeClient(ctx context.Context, conn *websocket.Conn, cfg ClientConfig) error {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	met := cfg.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}
	keepalive := cfg.Keepalive
	if keepalive <= 0 {
		keepalive = clientKeepaliveInterval
	}

	model, err := cfg.Provider.OpenSession(ctx, cfg.Session)
	if err != nil {
		return fmt.Errorf("bridge: open model session: %w", err)
	}
	defer model.Close()

	sessionAttr := metric.WithAttributes(observe.Attr("transport", transportClient))
	met.ActiveSessions.Add(ctx, 1, sessionAttr)
	defer met.ActiveSessions.Add(context.Background(), -1, sessionAttr)

	s := &clientSession{
		conn:  conn,
		model: model,
		cfg:   cfg,
		log:   log,
		met:   met,
		state: &SessionState{},
		dedup: NewDeduplicator(),
	}

	if err := s.writeJSON(ctx, clientMessage{Type: "ready"}); err != nil {
		return fmt.Errorf("bridge: send greeting: %w", err)
	}
	log.Info("client session started")

	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	g.Go(func() error { return s.inboundPump(gctx) })
	g.Go(func() error { return s.outboundPump(gctx) })
	g.Go(func() error { return s.keepalivePump(gctx, keepalive) })

	err = g.Wait()
	if err != nil && !isNormalClose(err) {
		log.Error("client session failed", "err", err)
		return err
	}
	log.Info("client session finished")
	return nil
}

func (s *clientSession) writeJSON(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// ── Inbound pump ──────────────────────────────────────────────────────────────

func (s *clientSession) inboundPump(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isNormalClose(err) {
				return errTransportClosed
			}
			return err
		}

		var msg struct {
			Type string `json:"type"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("dropping malformed client message", "err", err)
			s.met.RecordFrameError(ctx, transportClient)
			continue
		}

		switch msg.Type {
		case "audio":
			s.state.MarkActivity(time.Now())
			s.met.RecordInboundFrame(ctx, transportClient)
			pcm, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				s.log.Warn("dropping undecodable audio frame", "err", err)
				s.met.RecordFrameError(ctx, transportClient)
				continue
			}
			if err := s.model.SendAudio(pcm, audio.ModelRate); err != nil {
				return fmt.Errorf("send audio: %w", err)
			}

		case "text":
			if err := s.model.SendText(msg.Data); err != nil {
				return fmt.Errorf("send text: %w", err)
			}
			if err := s.model.SendEndOfTurn(); err != nil {
				return fmt.Errorf("send end of turn: %w", err)
			}
			s.state.StampEndOfTurn(time.Now())

		case "end":
			if err := s.model.SendEndOfTurn(); err != nil {
				return fmt.Errorf("send end of turn: %w", err)
			}
			s.state.StampEndOfTurn(time.Now())

		default:
			s.log.Warn("unsupported client message type", "type", msg.Type)
		}
	}
}

// ── Outbound pump ─────────────────────────────────────────────────────────────

func (s *clientSession) outboundPump(ctx context.Context) error {
	for {
		var ev s2s.Event
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok = <-s.model.Events():
		}
		if !ok {
			if err := s.model.Err(); err != nil {
				msg := clientMessage{Type: "error", Data: map[string]any{
					"message": "The voice session ended unexpectedly.",
				}}
				_ = s.writeJSON(ctx, msg)
				return fmt.Errorf("model session: %w", err)
			}
			return errTransportClosed
		}
		if err := s.handleModelEvent(ctx, ev); err != nil {
			return err
		}
	}
}

func (s *clientSession) handleModelEvent(ctx context.Context, ev s2s.Event) error {
	if ev.ToolCall != nil {
		notify := clientMessage{Type: "function_call", Data: map[string]any{
			"name": ev.ToolCall.Name,
			"args": ev.ToolCall.Args,
		}}
		if err := s.writeJSON(ctx, notify); err != nil {
			return fmt.Errorf("send function_call: %w", err)
		}
		s.invokeTool(ctx, *ev.ToolCall)
	}

	if ev.Transcription != nil {
		msg := clientMessage{Type: "transcription", Data: ev.Transcription.Text}
		if err := s.writeJSON(ctx, msg); err != nil {
			return fmt.Errorf("send transcription: %w", err)
		}
	}

	for _, part := range ev.Parts {
		if len(part.Audio) > 0 {
			if err := s.sendAudioPart(ctx, part.Audio); err != nil {
				return err
			}
		}
		if part.Text != "" {
			if err := s.writeJSON(ctx, clientMessage{Type: "text", Data: part.Text}); err != nil {
				return fmt.Errorf("send text part: %w", err)
			}
		}
	}

	if ev.StateDelta.TurnComplete {
		if err := s.writeJSON(ctx, clientMessage{Type: "turn_complete"}); err != nil {
			return fmt.Errorf("send turn_complete: %w", err)
		}
		s.resetTurn()
	}
	if ev.StateDelta.Interrupted {
		s.met.RecordInterruption(ctx, transportClient)
		s.resetTurn()
		msg := clientMessage{Type: "interrupted", Data: map[string]any{
			"message": "Response interrupted by user input",
		}}
		if err := s.writeJSON(ctx, msg); err != nil {
			return fmt.Errorf("send interrupted: %w", err)
		}
	}

	return nil
}

// resetTurn discards per-turn playback state at a turn boundary.
func (s *clientSession) resetTurn() {
	s.dedup.Clear()
	s.audioSequence = 0
	s.state.SetAgentSpeaking(false)
}

// sendAudioPart delivers one model audio chunk, binary frame first with
// a base64 JSON fallback, throttled to the minimum send spacing.
func (s *clientSession) sendAudioPart(ctx context.Context, pcm []byte) error {
	if !s.dedup.ShouldSend(pcm) {
		s.met.RecordOutboundChunk(ctx, transportClient, "deduplicated")
		return nil
	}

	if since := time.Since(s.lastAudioSend); since < clientAudioMinSpacing {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(clientAudioMinSpacing - since):
		}
	}

	if stamp, ok := s.state.TakeEndOfTurn(); ok {
		s.met.ResponseLatency.Record(ctx, time.Since(stamp).Seconds())
	}
	if prev := s.state.SetAgentSpeaking(true); !prev {
		s.log.Debug("agent started speaking")
	}

	if err := s.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("binary send failed, falling back to base64", "err", err)
		fallback := clientMessage{Type: "audio", Data: base64.StdEncoding.EncodeToString(pcm)}
		if err := s.writeJSON(ctx, fallback); err != nil {
			return fmt.Errorf("send audio fallback: %w", err)
		}
	}

	s.lastAudioSend = time.Now()
	s.audioSequence++
	s.state.MarkOutboundSend(s.lastAudioSend)
	s.met.RecordOutboundChunk(ctx, transportClient, "sent")
	return nil
}

func (s *clientSession) invokeTool(ctx context.Context, call s2s.ToolCall) {
	if s.cfg.Tool == nil {
		s.log.Warn("model requested tool but none is configured", "tool", call.Name)
		return
	}
	s.group.Go(func() error {
		start := time.Now()
		result := s.cfg.Tool.Invoke(ctx, call)
		s.met.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())

		status := "ok"
		if st, _ := result.Response["status"].(string); st != "success" {
			status = "error"
		}
		s.met.RecordToolCall(ctx, call.Name, status)

		if err := s.model.SendToolResult([]s2s.ToolResult{result}); err != nil {
			return fmt.Errorf("send tool result: %w", err)
		}
		return nil
	})
}

// ── Keepalive pump ────────────────────────────────────────────────────────────

func (s *clientSession) keepalivePump(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.conn.Ping(ctx); err != nil {
				return fmt.Errorf("keepalive ping: %w", err)
			}
		}
	}
}
