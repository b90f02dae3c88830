package app

import (
	"testing"

	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
)

func TestMergeApplier(t *testing.T) {
	applier := MergeApplier{Terminal: []string{"finished"}}
	tests := []struct {
		name          string
		payload       string
		delta         string
		toState       string
		wantPayload   string
		wantStatus    string
		wantCompleted bool
	}{
		{name: "empty payload", delta: `{"round":1}`, wantPayload: `{"round":1}`},
		{name: "overwrite and add", payload: `{"round":1,"score":3}`, delta: `{"round":2,"turn":"b"}`, wantPayload: `{"round":2,"score":3,"turn":"b"}`},
		{name: "null removes key", payload: `{"round":1,"score":3}`, delta: `{"score":null}`, wantPayload: `{"round":1}`},
		{name: "empty delta keeps payload", payload: `{"round":1}`, wantPayload: `{"round":1}`},
		{name: "status change", payload: `{}`, delta: `{}`, toState: "playing", wantPayload: `{}`, wantStatus: "playing"},
		{name: "terminal status completes", payload: `{}`, delta: `{}`, toState: "finished", wantPayload: `{}`, wantStatus: "finished", wantCompleted: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			state := entity.State{ID: "m-1", Type: "match", Payload: []byte(tc.payload)}
			got, err := applier.Apply(state, entity.Transition{Delta: []byte(tc.delta), ToState: tc.toState})
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if string(got.Payload) != tc.wantPayload {
				t.Fatalf("payload = %s, want %s", got.Payload, tc.wantPayload)
			}
			if got.Status != tc.wantStatus {
				t.Fatalf("status = %q, want %q", got.Status, tc.wantStatus)
			}
			if got.Completed != tc.wantCompleted {
				t.Fatalf("completed = %t, want %t", got.Completed, tc.wantCompleted)
			}
		})
	}
}

func TestMergeApplierRejectsNonObjects(t *testing.T) {
	applier := MergeApplier{}
	if _, err := applier.Apply(entity.State{Payload: []byte(`[1]`)}, entity.Transition{Delta: []byte(`{}`)}); err == nil {
		t.Fatal("expected error for array payload")
	}
	if _, err := applier.Apply(entity.State{}, entity.Transition{Delta: []byte(`"x"`)}); err == nil {
		t.Fatal("expected error for string delta")
	}
}

func TestValidateJSONObject(t *testing.T) {
	if err := ValidateJSONObject.Validate(entity.State{}); err != nil {
		t.Fatalf("empty payload: %v", err)
	}
	if err := ValidateJSONObject.Validate(entity.State{Payload: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("object payload: %v", err)
	}
	if err := ValidateJSONObject.Validate(entity.State{Payload: []byte(`{`)}); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
