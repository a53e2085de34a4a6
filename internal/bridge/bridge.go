// Package bridge runs duplex voice sessions between a transport and a
// speech-to-speech model.
//
// Each call is served by one orchestrator ([ServePhone] for telephony
// media streams, [ServeClient] for interactive WebSocket clients) that
// launches three pumps under a single supervision scope: an inbound pump
// carrying transport audio to the model, an outbound pump carrying model
// events back to the transport, and a keepalive pump. A fatal error or a
// transport close in any pump cancels the siblings and tears the whole
// session down exactly once.
package bridge

import (
	"context"
	"errors"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicebridge/pkg/s2s"
)

// ToolInvoker executes a model-requested function call. Implementations
// contain their own failures: the returned result carries a structured
// status and user-facing message even when the invocation failed or
// timed out.
type ToolInvoker interface {
	Invoke(ctx context.Context, call s2s.ToolCall) s2s.ToolResult
}

// CallStore records call lifecycles. Implementations must tolerate being
// called with short-lived contexts during teardown.
type CallStore interface {
	StartCall(ctx context.Context, callSID, streamSID string) error
	EndCall(ctx context.Context, callSID, status string, turns int) error
}

// Transport labels used in metrics and logs.
const (
	transportPhone  = "phone"
	transportClient = "client"
)

// errTransportClosed marks an orderly peer-initiated shutdown. It travels
// through the supervision group to cancel sibling pumps and is mapped to
// a nil session result.
var errTransportClosed = errors.New("bridge: transport closed")

// isNormalClose reports whether err is an orderly WebSocket shutdown.
func isNormalClose(err error) bool {
	if errors.Is(err, errTransportClosed) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
