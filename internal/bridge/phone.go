package bridge

import (
	"context"
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
	"github.com/MrWong99/voicebridge/pkg/vad"
)

// Batch duration bounds for the adaptive inbound batcher.
const (
	phoneBatchMinMs     = 150
	phoneBatchMaxMs     = 300
	phoneBatchDefaultMs = 200

	phoneKeepaliveInterval = 20 * time.Second
	keepaliveMarkName      = "keepalive"
)

// PhoneConfig configures one telephony media-stream session.
type PhoneConfig struct {
	// Provider opens the model session once the stream handshake is done.
	Provider s2s.Provider

	// Session is the model session configuration. Callers should disable
	// server-side VAD: on this transport the local detector owns
	// turn-taking and signals end-of-turn explicitly.
	Session s2s.SessionConfig

	// VAD configures the local speech detector.
	VAD vad.Config

	// Tool handles model function calls. Optional.
	Tool ToolInvoker

	// Store records call lifecycles. Optional.
	Store CallStore

	// Keepalive overrides the mark interval. Zero uses the default.
	Keepalive time.Duration

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ── Media-stream envelope ─────────────────────────────────────────────────────

type phoneEnvelope struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Start     *startFrame `json:"start,omitempty"`
	Media     *mediaFrame `json:"media,omitempty"`
	Mark      *markFrame  `json:"mark,omitempty"`
}

type startFrame struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`
}

type mediaFrame struct {
	Payload string `json:"payload"` // base64 mu-law at 8kHz
}

type markFrame struct {
	Name string `json:"name"`
}

// ── Session ───────────────────────────────────────────────────────────────────

type phoneSession struct {
	conn  *websocket.Conn
	model s2s.SessionHandle
	cfg   PhoneConfig
	log   *slog.Logger
	met   *observe.Metrics

	callSID   string
	streamSID string

	state   *SessionState
	batcher *audio.AdaptiveBatcher
	det     *vad.Detector
	dedup   *Deduplicator

	// latencyCh carries response-latency samples from the outbound pump
	// to the inbound pump, which owns the batcher.
	latencyCh chan float64

	group *errgroup.Group
}

// ServePhone runs one telephony call end to end: it waits for the
// stream-start handshake, opens a model session, and pumps audio both
// ways until the peer hangs up or a pump fails. The websocket is
// consumed but not closed; the HTTP handler owns it.
func ServePhone(ctx context.Context, conn *websocket.Conn, cfg PhoneConfig) error {
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
		keepalive = phoneKeepaliveInterval
	}

	start, err := awaitStart(ctx, conn)
	if err != nil {
		if isNormalClose(err) {
			return nil
		}
		return fmt.Errorf("bridge: await stream start: %w", err)
	}
	log = log.With("call_sid", start.CallSID, "stream_sid", start.StreamSID)
	log.Info("media stream started")

	det, err := vad.New(cfg.VAD)
	if err != nil {
		return fmt.Errorf("bridge: vad config: %w", err)
	}

	model, err := cfg.Provider.OpenSession(ctx, cfg.Session)
	if err != nil {
		return fmt.Errorf("bridge: open model session: %w", err)
	}
	defer model.Close()

	sessionAttr := metric.WithAttributes(observe.Attr("transport", transportPhone))
	met.ActiveSessions.Add(ctx, 1, sessionAttr)
	defer met.ActiveSessions.Add(context.Background(), -1, sessionAttr)

	if cfg.Store != nil {
		if err := cfg.Store.StartCall(ctx, start.CallSID, start.StreamSID); err != nil {
			log.Warn("record call start failed", "err", err)
		}
	}

	s := &phoneSession{
		conn:      conn,
		model:     model,
		cfg:       cfg,
		log:       log,
		met:       met,
		callSID:   start.CallSID,
		streamSID: start.StreamSID,
		state:     &SessionState{},
		batcher:   audio.NewAdaptiveBatcher(audio.ModelRate, phoneBatchMinMs, phoneBatchMaxMs, phoneBatchDefaultMs),
		det:       det,
		dedup:     NewDeduplicator(),
		latencyCh: make(chan float64, 4),
	}

	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	g.Go(func() error { return s.inboundPump(gctx) })
	g.Go(func() error { return s.outboundPump(gctx) })
	g.Go(func() error { return s.keepalivePump(gctx, keepalive) })

	err = g.Wait()

	if cfg.Store != nil {
		status := "completed"
		if err != nil && !isNormalClose(err) {
			status = "failed"
		}
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := cfg.Store.EndCall(endCtx, start.CallSID, status, s.state.TurnCount()); serr != nil {
			log.Warn("record call end failed", "err", serr)
		}
		cancel()
	}

	if err != nil && !isNormalClose(err) {
		log.Error("session failed", "err", err)
		return err
	}
	log.Info("session finished")
	return nil
}

// awaitStart consumes envelopes until the start event arrives. The
// provider sends "connected" first; anything else before start is
// ignored.
func awaitStart(ctx context.Context, conn *websocket.Conn) (*startFrame, error) {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return nil, err
		}
		switch env.Event {
		case "start":
			if env.Start == nil || env.Start.StreamSID == "" {
				return nil, fmt.Errorf("start event without stream identifiers")
			}
			return env.Start, nil
		case "stop":
			return nil, errTransportClosed
		}
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (*phoneEnvelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isNormalClose(err) {
			return nil, errTransportClosed
		}
		return nil, err
	}
	var env phoneEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

func (s *phoneSession) writeEnvelope(ctx context.Context, env any) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// ── Inbound pump ──────────────────────────────────────────────────────────────

// inboundPump reads media frames, transcodes them, classifies them, and
// forwards the audio to the model. Audio always flows regardless of the
// VAD classification; the detector only gates interruption and
// end-of-turn signals.
func (s *phoneSession) inboundPump(ctx context.Context) error {
	for {
		env, err := readEnvelope(ctx, s.conn)
		if err != nil {
			return err
		}

		switch env.Event {
		case "media":
			if env.Media == nil {
				continue
			}
			if err := s.handleMedia(ctx, env.Media.Payload); err != nil {
				return err
			}

		case "stop":
			// Deliver the buffered remainder so no audio is lost on a
			// graceful hangup.
			if rest := s.batcher.Flush(); len(rest) > 0 {
				if err := s.model.SendAudio(rest, audio.ModelRate); err != nil {
					return fmt.Errorf("flush final batch: %w", err)
				}
			}
			return errTransportClosed

		case "mark", "connected", "dtmf":
			// No bridge-side action.
		}
	}
}

func (s *phoneSession) handleMedia(ctx context.Context, payload string) error {
	s.state.MarkActivity(time.Now())
	s.met.RecordInboundFrame(ctx, transportPhone)

	pcm, err := audio.TransportToModel(payload)
	if err != nil {
		// A single malformed frame is not fatal; drop it and move on.
		s.log.Warn("dropping malformed media frame", "err", err)
		s.met.RecordFrameError(ctx, transportPhone)
		return nil
	}

	res := s.det.ProcessFrame(pcm)

	// Apply any latency samples the outbound pump produced since the
	// last frame before deciding the batch size.
	for {
		select {
		case lat := <-s.latencyCh:
			s.batcher.UpdateLatency(lat)
			continue
		default:
		}
		break
	}

	if batch := s.batcher.Add(pcm); batch != nil {
		if err := s.model.SendAudio(batch, audio.ModelRate); err != nil {
			return fmt.Errorf("send audio batch: %w", err)
		}
	}

	if res.SpeechStarted && s.state.AgentSpeaking() {
		// Barge-in: tell the provider to dump buffered playback.
		s.log.Info("user interrupted response", "energy", res.Energy)
		s.met.RecordInterruption(ctx, transportPhone)
		clear := phoneEnvelope{Event: "clear", StreamSID: s.streamSID}
		if err := s.writeEnvelope(ctx, clear); err != nil {
			return fmt.Errorf("send clear: %w", err)
		}
		s.state.SetAgentSpeaking(false)
	}

	if res.SpeechEnded {
		if err := s.model.SendEndOfTurn(); err != nil {
			return fmt.Errorf("send end of turn: %w", err)
		}
		s.state.StampEndOfTurn(time.Now())
	}

	return nil
}

// ── Outbound pump ─────────────────────────────────────────────────────────────

// outboundPump consumes model events and delivers response audio to the
// provider, deduplicated and transcoded to the narrowband wire format.
func (s *phoneSession) outboundPump(ctx context.Context) error {
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
				return fmt.Errorf("model session: %w", err)
			}
			return errTransportClosed
		}
		if err := s.handleModelEvent(ctx, ev); err != nil {
			return err
		}
	}
}

func (s *phoneSession) handleModelEvent(ctx context.Context, ev s2s.Event) error {
	if ev.ToolCall != nil {
		s.invokeTool(ctx, *ev.ToolCall)
	}

	if ev.Transcription != nil {
		s.log.Info("transcript", "role", ev.Transcription.Role, "text", ev.Transcription.Text)
	}

	for _, part := range ev.Parts {
		if len(part.Audio) == 0 {
			if part.Text != "" {
				s.log.Debug("model text part", "text", part.Text)
			}
			continue
		}
		if err := s.sendAudioPart(ctx, part.Audio); err != nil {
			return err
		}
	}

	if ev.StateDelta.Interrupted || ev.StateDelta.TurnComplete {
		s.dedup.Clear()
		s.state.SetAgentSpeaking(false)
	}

	return nil
}

func (s *phoneSession) sendAudioPart(ctx context.Context, pcm []byte) error {
	if !s.dedup.ShouldSend(pcm) {
		s.met.RecordOutboundChunk(ctx, transportPhone, "deduplicated")
		return nil
	}

	// First response audio after an end-of-turn closes the latency window.
	if stamp, ok := s.state.TakeEndOfTurn(); ok {
		lat := time.Since(stamp)
		s.met.ResponseLatency.Record(ctx, lat.Seconds())
		select {
		case s.latencyCh <- float64(lat.Milliseconds()):
		default:
		}
	}
	s.state.SetAgentSpeaking(true)

	payload, err := audio.ModelToTransport(pcm)
	if err != nil {
		s.log.Warn("dropping malformed model audio", "err", err)
		s.met.RecordFrameError(ctx, transportPhone)
		return nil
	}

	env := phoneEnvelope{
		Event:     "media",
		StreamSID: s.streamSID,
		Media:     &mediaFrame{Payload: payload},
	}
	if err := s.writeEnvelope(ctx, env); err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	s.state.MarkOutboundSend(time.Now())
	s.met.RecordOutboundChunk(ctx, transportPhone, "sent")
	return nil
}

// invokeTool runs the tool call under the session's supervision scope so
// teardown waits for (and cancels) in-flight invocations.
func (s *phoneSession) invokeTool(ctx context.Context, call s2s.ToolCall) {
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

// keepalivePump sends a named mark at a fixed interval. A send failure
// is fatal: the supervision group tears the session down rather than
// retrying against a dead connection.
func (s *phoneSession) keepalivePump(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			env := phoneEnvelope{
				Event:     "mark",
				StreamSID: s.streamSID,
				Mark:      &markFrame{Name: keepaliveMarkName},
			}
			if err := s.writeEnvelope(ctx, env); err != nil {
				return fmt.Errorf("send keepalive mark: %w", err)
			}
		}
	}
}
