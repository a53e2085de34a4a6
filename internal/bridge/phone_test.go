package bridge_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicebridge/internal/bridge"
	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/s2s"
	"github.com/MrWong99/voicebridge/pkg/s2s/mock"
	"github.com/MrWong99/voicebridge/pkg/vad"
)

const testTimeout = 5 * time.Second

// testVADConfig keeps every duration a small whole number of 20ms frames
// so transitions land on exact frame indices.
func testVADConfig() vad.Config {
	return vad.Config{
		SampleRate:          audio.ModelRate,
		FrameSizeMs:         20,
		SpeechThreshold:     0.2,
		SilenceDurationMs:   100,
		MinSpeechDurationMs: 60,
	}
}

// streamEnvelope mirrors the telephony media-stream wire format.
type streamEnvelope struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	Start     *struct {
		CallSID   string `json:"callSid"`
		StreamSID string `json:"streamSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

func startPhoneServer(t *testing.T, cfg bridge.PhoneConfig) (string, <-chan error) {
	t.Helper()
	result := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			result <- err
			return
		}
		result <- bridge.ServePhone(r.Context(), conn, cfg)
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), result
}

func dialStream(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn, env any) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func readStreamEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) streamEnvelope {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope %q: %v", data, err)
	}
	return env
}

// startCall performs the connected/start handshake for one test call.
func startCall(t *testing.T, ctx context.Context, conn *websocket.Conn) {
	t.Helper()
	sendEnvelope(t, ctx, conn, map[string]any{"event": "connected"})
	sendEnvelope(t, ctx, conn, map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA0001", "streamSid": "MZ0001"},
	})
}

func stopCall(t *testing.T, ctx context.Context, conn *websocket.Conn) {
	t.Helper()
	sendEnvelope(t, ctx, conn, map[string]any{"event": "stop", "streamSid": "MZ0001"})
}

// mediaPayload builds one 20ms narrowband media payload (160 mu-law
// bytes) of constant amplitude.
func mediaPayload(t *testing.T, amplitude int16) string {
	t.Helper()
	pcm := make([]byte, 320)
	for i := 0; i < 160; i++ {
		pcm[i*2] = byte(amplitude)
		pcm[i*2+1] = byte(amplitude >> 8)
	}
	ulaw, err := audio.EncodeULaw(pcm)
	if err != nil {
		t.Fatalf("encode mu-law: %v", err)
	}
	return base64.StdEncoding.EncodeToString(ulaw)
}

func sendMedia(t *testing.T, ctx context.Context, conn *websocket.Conn, payload string, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		sendEnvelope(t, ctx, conn, map[string]any{
			"event": "media",
			"media": map[string]any{"payload": payload},
		})
	}
}

func awaitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(testTimeout):
		t.Fatal("session did not finish in time")
		return nil
	}
}

// fakeStore records call lifecycle hooks.
type fakeStore struct {
	mu     sync.Mutex
	starts []string
	ends   []string
	turns  []int
}

func (f *fakeStore) StartCall(_ context.Context, callSID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, callSID)
	return nil
}

func (f *fakeStore) EndCall(_ context.Context, callSID, status string, turns int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, callSID+":"+status)
	f.turns = append(f.turns, turns)
	return nil
}

func TestServePhone_SpeechEndsTurn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	sess := mock.NewSession()
	store := &fakeStore{}
	url, result := startPhoneServer(t, bridge.PhoneConfig{
		Provider: &mock.Provider{Session: sess},
		VAD:      testVADConfig(),
		Store:    store,
	})

	conn := dialStream(t, ctx, url)
	startCall(t, ctx, conn)

	// Four loud frames (80ms of speech, above the 60ms minimum) followed
	// by six quiet frames; silence reaches 100ms on the fifth quiet frame.
	loud := mediaPayload(t, 16000)
	quiet := mediaPayload(t, 0)
	sendMedia(t, ctx, conn, loud, 4)
	sendMedia(t, ctx, conn, quiet, 6)
	stopCall(t, ctx, conn)

	if err := awaitResult(t, result); err != nil {
		t.Fatalf("session error: %v", err)
	}

	audioCalls, endOfTurns, _ := sess.Snapshot()
	if endOfTurns != 1 {
		t.Fatalf("end-of-turn count = %d, want 1", endOfTurns)
	}
	if len(audioCalls) == 0 {
		t.Fatal("no audio reached the model")
	}
	var total int
	for _, c := range audioCalls {
		if c.SampleRate != audio.ModelRate {
			t.Fatalf("audio sent at %d Hz, want %d", c.SampleRate, audio.ModelRate)
		}
		total += len(c.Chunk)
	}
	// 10 frames of 160 narrowband samples tripled to 24kHz, 2 bytes each.
	if want := 10 * 160 * 3 * 2; total != want {
		t.Fatalf("model received %d bytes, want %d", total, want)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.starts) != 1 || store.starts[0] != "CA0001" {
		t.Errorf("call start not recorded: %v", store.starts)
	}
	if len(store.ends) != 1 || store.ends[0] != "CA0001:completed" {
		t.Errorf("call end not recorded: %v", store.ends)
	}
	if len(store.turns) != 1 || store.turns[0] != 1 {
		t.Errorf("turn count = %v, want [1]", store.turns)
	}
}

func TestServePhone_DuplicateResponseChunkSuppressed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	sess := mock.NewSession()
	url, result := startPhoneServer(t, bridge.PhoneConfig{
		Provider: &mock.Provider{Session: sess},
		VAD:      testVADConfig(),
	})

	conn := dialStream(t, ctx, url)
	startCall(t, ctx, conn)

	chunkA := constantPCM(960, 5000)
	chunkB := constantPCM(960, -7000)
	sess.Emit(s2s.Event{Parts: []s2s.Part{{Audio: chunkA}}})
	sess.Emit(s2s.Event{Parts: []s2s.Part{{Audio: chunkA}}}) // duplicate
	sess.Emit(s2s.Event{Parts: []s2s.Part{{Audio: chunkB}}})

	var payloads []string
	for len(payloads) < 2 {
		env := readStreamEnvelope(t, ctx, conn)
		if env.Event != "media" || env.Media == nil {
			t.Fatalf("unexpected envelope %+v", env)
		}
		if env.StreamSID != "MZ0001" {
			t.Fatalf("streamSid = %q", env.StreamSID)
		}
		payloads = append(payloads, env.Media.Payload)
	}
	if payloads[0] == payloads[1] {
		t.Fatal("duplicate chunk was delivered instead of the distinct one")
	}

	stopCall(t, ctx, conn)
	if err := awaitResult(t, result); err != nil {
		t.Fatalf("session error: %v", err)
	}
}

func TestServePhone_InterruptionClearsPlayback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	sess := mock.NewSession()
	url, result := startPhoneServer(t, bridge.PhoneConfig{
		Provider: &mock.Provider{Session: sess},
		VAD:      testVADConfig(),
	})

	conn := dialStream(t, ctx, url)
	startCall(t, ctx, conn)

	// Model starts responding; wait until its audio is on the wire so the
	// speaking flag is guaranteed set.
	sess.Emit(s2s.Event{Parts: []s2s.Part{{Audio: constantPCM(960, 5000)}}})
	if env := readStreamEnvelope(t, ctx, conn); env.Event != "media" {
		t.Fatalf("expected media, got %q", env.Event)
	}

	// User barges in.
	sendMedia(t, ctx, conn, mediaPayload(t, 16000), 1)

	env := readStreamEnvelope(t, ctx, conn)
	if env.Event != "clear" {
		t.Fatalf("expected clear after barge-in, got %q", env.Event)
	}
	if env.StreamSID != "MZ0001" {
		t.Fatalf("clear streamSid = %q", env.StreamSID)
	}

	stopCall(t, ctx, conn)
	if err := awaitResult(t, result); err != nil {
		t.Fatalf("session error: %v", err)
	}
}

func TestServePhone_StopFlushesPartialBatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	sess := mock.NewSession()
	url, result := startPhoneServer(t, bridge.PhoneConfig{
		Provider: &mock.Provider{Session: sess},
		VAD:      testVADConfig(),
	})

	conn := dialStream(t, ctx, url)
	startCall(t, ctx, conn)

	// Three frames hold 2880 bytes at the model rate, well under the
	// default batch target, so nothing is emitted until the stop flush.
	sendMedia(t, ctx, conn, mediaPayload(t, 3000), 3)
	stopCall(t, ctx, conn)

	if err := awaitResult(t, result); err != nil {
		t.Fatalf("session error: %v", err)
	}

	audioCalls, _, _ := sess.Snapshot()
	if len(audioCalls) != 1 {
		t.Fatalf("audio calls = %d, want exactly one flushed batch", len(audioCalls))
	}
	if got, want := len(audioCalls[0].Chunk), 3*160*3*2; got != want {
		t.Fatalf("flushed %d bytes, want %d", got, want)
	}
}

func TestServePhone_ToolCallRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	sess := mock.NewSession()
	tool := &fakeTool{result: s2s.ToolResult{
		ID:       "fc-7",
		Name:     "schedule_meeting",
		Response: map[string]any{"status": "success", "message": "booked"},
	}}
	url, result := startPhoneServer(t, bridge.PhoneConfig{
		Provider: &mock.Provider{Session: sess},
		VAD:      testVADConfig(),
		Tool:     tool,
	})

	conn := dialStream(t, ctx, url)
	startCall(t, ctx, conn)

	sess.Emit(s2s.Event{ToolCall: &s2s.ToolCall{
		ID:   "fc-7",
		Name: "schedule_meeting",
		Args: map[string]any{"name": "Ada"},
	}})

	// Tool results are sent asynchronously; poll the mock.
	deadline := time.After(testTimeout)
	for {
		_, _, toolResults := sess.Snapshot()
		if len(toolResults) == 1 {
			got := toolResults[0].Results
			if len(got) != 1 || got[0].ID != "fc-7" {
				t.Fatalf("unexpected tool result %+v", got)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("tool result never reached the model")
		case <-time.After(10 * time.Millisecond):
		}
	}

	stopCall(t, ctx, conn)
	if err := awaitResult(t, result); err != nil {
		t.Fatalf("session error: %v", err)
	}
}

func TestServePhone_ModelFailureEndsCall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	sess := mock.NewSession()
	store := &fakeStore{}
	url, result := startPhoneServer(t, bridge.PhoneConfig{
		Provider: &mock.Provider{Session: sess},
		VAD:      testVADConfig(),
		Store:    store,
	})

	conn := dialStream(t, ctx, url)
	startCall(t, ctx, conn)

	sess.ErrVal = context.DeadlineExceeded
	sess.Finish()

	if err := awaitResult(t, result); err == nil {
		t.Fatal("expected session error after model stream failure")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.ends) != 1 || store.ends[0] != "CA0001:failed" {
		t.Errorf("failed call not recorded: %v", store.ends)
	}
}

// fakeTool implements bridge.ToolInvoker with a canned result.
type fakeTool struct {
	mu     sync.Mutex
	result s2s.ToolResult
	calls  []s2s.ToolCall
}

func (f *fakeTool) Invoke(_ context.Context, call s2s.ToolCall) s2s.ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	res := f.result
	res.ID = call.ID
	res.Name = call.Name
	return res
}

// constantPCM builds n bytes of little-endian PCM16 at a fixed amplitude.
func constantPCM(n int, amplitude int16) []byte {
	out := make([]byte, n)
	for i := 0; i < n/2; i++ {
		out[i*2] = byte(amplitude)
		out[i*2+1] = byte(amplitude >> 8)
	}
	return out
}
