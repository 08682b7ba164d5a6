package events

import "testing"

func TestPayloadAccessorsMatchType(t *testing.T) {
	evt := &Event{Type: EventTypeSyncComplete, Payload: SyncCompletePayload{Attempted: 2, Succeeded: 1, Failed: 1}}
	if _, ok := evt.Connectivity(); ok {
		t.Fatalf("completion event must not decode as connectivity")
	}
	if _, ok := evt.Progress(); ok {
		t.Fatalf("completion event must not decode as progress")
	}
	got, ok := evt.Complete()
	if !ok {
		t.Fatalf("expected completion payload")
	}
	if got.Succeeded != 1 || got.Failed != 1 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestAccessorsRejectMismatchedPayload(t *testing.T) {
	evt := &Event{Type: EventTypeConnectivityChanged, Payload: "online"}
	if _, ok := evt.Connectivity(); ok {
		t.Fatalf("expected mismatched payload to be rejected")
	}
	var nilEvt *Event
	if _, ok := nilEvt.Progress(); ok {
		t.Fatalf("nil event must not decode")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	evt := &Event{EventID: "a", Type: EventTypeConnectivityChanged, Payload: ConnectivityPayload{Online: true}}
	clone := evt.Clone()
	clone.EventID = "b"
	if evt.EventID != "a" {
		t.Fatalf("clone mutated original")
	}
}
