// Package calls finalizes persisted call records from channel hangup
// events.
package calls

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/cluewire/switchboard/internal/esl"
	"github.com/cluewire/switchboard/internal/store"
)

// FuzzyMatchWindow bounds how far back the caller/callee fallback match
// may reach. Heuristic, not derived from any protocol guarantee.
const FuzzyMatchWindow = 5 * time.Minute

// CallStore is the slice of the data layer the completion handler uses.
type CallStore interface {
	UserByExtension(ctx context.Context, extension string) (*store.User, error)
	CompleteBySIPCallID(ctx context.Context, sipCallID string, c store.Completion) (int64, error)
	CompleteRecentByParticipants(ctx context.Context, callerID, calleeID string, cutoff time.Time, c store.Completion) (int64, error)
}

// CompletionHandler resolves hangup events to call records and finalizes
// them. Idempotent under duplicate events: the exact-id path rewrites the
// same completed fields harmlessly, and the fuzzy path is guarded by the
// initiated-status filter so a stale event can never claim a later call.
type CompletionHandler struct {
	store CallStore
	now   func() time.Time
}

// NewCompletionHandler creates the handler.
func NewCompletionHandler(calls CallStore) *CompletionHandler {
	return &CompletionHandler{store: calls, now: time.Now}
}

// Register binds the handler to the hangup event kind.
func (h *CompletionHandler) Register(d *esl.Dispatcher) {
	d.On(esl.KindHangup, h.Handle)
}

// RecordingURL builds the locator for an originating-leg identifier.
func RecordingURL(uuid string) string {
	return fmt.Sprintf("/recordings/%s.wav", uuid)
}

// Handle processes one CHANNEL_HANGUP_COMPLETE event.
func (h *CompletionHandler) Handle(ctx context.Context, frame *esl.Frame) error {
	uuid := frame.Get("Unique-ID")
	sipCallID := frame.Get("variable_sip_call_id")
	callerExtension := frame.Get("Caller-Username")
	calleeExtension := frame.Get("Caller-Destination-Number")
	duration := frame.Get("Duration")
	billSec := frame.Get("Bill-Sec")
	bridgeUUID := frame.Get("variable_bridge_uuid")
	originatedUUID := frame.Get("variable_uuid")

	log.Printf("[Calls] Hangup: uuid=%s sip-id=%s %s->%s duration=%ss bill=%ss bridge=%s originated=%s",
		uuid, sipCallID, callerExtension, calleeExtension, duration, billSec, bridgeUUID, originatedUUID)

	// The recording artifact is keyed by the originating leg. A present
	// bridge uuid marks this event as the originating leg itself; a
	// present originated uuid means this is the answering leg and carries
	// the originating leg's identifier.
	recordingUUID := originatedUUID
	if recordingUUID == "" {
		recordingUUID = uuid
	}
	recordingURL := RecordingURL(recordingUUID)

	billSeconds, err := strconv.Atoi(billSec)
	if err != nil {
		billSeconds = 0
	}
	completion := store.Completion{
		RecordingURL: recordingURL,
		EndTime:      h.now(),
		Duration:     billSeconds,
	}

	// First try: exact match by the protocol call identifier, any status.
	var matched int64
	if sipCallID != "" {
		matched, err = h.store.CompleteBySIPCallID(ctx, sipCallID, completion)
		if err != nil {
			return fmt.Errorf("update by sip call id: %w", err)
		}
		log.Printf("[Calls] Update by sip call id %s: %d records", sipCallID, matched)
	}

	// Fallback: fuzzy match by caller/callee accounts over the recent
	// window, initiated records only.
	if matched == 0 && callerExtension != "" && calleeExtension != "" {
		caller, err := h.store.UserByExtension(ctx, callerExtension)
		if err != nil {
			return fmt.Errorf("lookup caller %s: %w", callerExtension, err)
		}
		callee, err := h.store.UserByExtension(ctx, calleeExtension)
		if err != nil {
			return fmt.Errorf("lookup callee %s: %w", calleeExtension, err)
		}

		if caller != nil && callee != nil {
			cutoff := h.now().Add(-FuzzyMatchWindow)
			matched, err = h.store.CompleteRecentByParticipants(ctx, caller.ID, callee.ID, cutoff, completion)
			if err != nil {
				return fmt.Errorf("update by extensions: %w", err)
			}
			log.Printf("[Calls] Update by extensions %s->%s: %d records",
				callerExtension, calleeExtension, matched)
		}
	}

	if matched == 0 {
		log.Printf("[Calls] Warning: no call record found for uuid=%s sip-id=%s", uuid, sipCallID)
	}
	return nil
}
