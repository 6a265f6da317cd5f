package server

import (
	"context"
	"encoding/json"

	"github.com/npezzotti/go-huddle/internal/types"
)

const maxSignalPayload = 64 * 1024

// SignalRelay passes offer, answer and candidate messages between two
// participants of a live call. Nothing is queued: a target without a session
// is reported back to the sender.
type SignalRelay struct {
	calls *CallManager
}

func (sr *SignalRelay) Relay(ctx context.Context, callId, from, to string, kind types.SignalKind, payload json.RawMessage) (types.CallSignal, error) {
	if callId == "" {
		return types.CallSignal{}, invalidInput("call id is required")
	}
	if to == "" {
		return types.CallSignal{}, invalidInput("signal target is required")
	}
	if to == from {
		return types.CallSignal{}, invalidInput("cannot signal yourself")
	}
	if !kind.Valid() {
		return types.CallSignal{}, invalidInput("unknown signal kind %q", kind)
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return types.CallSignal{}, invalidInput("signal payload must be JSON")
	}
	if len(payload) > maxSignalPayload {
		return types.CallSignal{}, invalidInput("signal payload exceeds %d bytes", maxSignalPayload)
	}

	sig := types.CallSignal{
		CallId:  callId,
		From:    from,
		To:      to,
		Kind:    kind,
		Payload: payload,
	}
	if err := sr.calls.signal(ctx, sig); err != nil {
		return types.CallSignal{}, err
	}

	sig.DeliveredAt = Now()
	return sig, nil
}
