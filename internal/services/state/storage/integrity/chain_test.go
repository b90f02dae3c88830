package integrity

import (
	"testing"
	"time"

	"github.com/louisbranch/sessionstate/internal/services/state/domain/eventlog"
)

func testEvent(seq uint64) eventlog.Event {
	return eventlog.Event{
		ID:            "evt-1",
		EntityID:      "e1",
		EntityType:    "session",
		Seq:           seq,
		Type:          "points.added",
		FromState:     "open",
		ToState:       "open",
		Delta:         []byte(`{"points":2}`),
		SchemaVersion: 1,
		Timestamp:     time.Date(2024, 2, 1, 10, 30, 0, 0, time.UTC),
	}
}

func testSigner(t *testing.T, entityID string) *ChainSigner {
	t.Helper()
	ring, err := NewKeyring(map[string][]byte{"v1": []byte("secret")}, "v1")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	signer, err := ring.ForEntity(entityID)
	if err != nil {
		t.Fatalf("for entity: %v", err)
	}
	return signer
}

func TestEventHashDeterministic(t *testing.T) {
	first, err := EventHash(testEvent(1))
	if err != nil {
		t.Fatalf("event hash: %v", err)
	}
	second, err := EventHash(testEvent(1))
	if err != nil {
		t.Fatalf("event hash: %v", err)
	}
	if first != second {
		t.Fatalf("expected deterministic hash, got %s and %s", first, second)
	}

	other := testEvent(1)
	other.ID = "evt-2"
	other.Timestamp = other.Timestamp.In(time.FixedZone("x", 3600))
	third, err := EventHash(other)
	if err != nil {
		t.Fatalf("event hash: %v", err)
	}
	if first != third {
		t.Fatal("expected id and time zone to be ignored")
	}
}

func TestEventHashChangesWithContent(t *testing.T) {
	baseline, err := EventHash(testEvent(1))
	if err != nil {
		t.Fatalf("event hash: %v", err)
	}
	mutations := map[string]func(*eventlog.Event){
		"delta":    func(e *eventlog.Event) { e.Delta = []byte(`{"points":3}`) },
		"seq":      func(e *eventlog.Event) { e.Seq = 2 },
		"type":     func(e *eventlog.Event) { e.Type = "points.removed" },
		"to state": func(e *eventlog.Event) { e.ToState = "closed" },
		"schema":   func(e *eventlog.Event) { e.SchemaVersion = 2 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			evt := testEvent(1)
			mutate(&evt)
			hash, err := EventHash(evt)
			if err != nil {
				t.Fatalf("event hash: %v", err)
			}
			if hash == baseline {
				t.Fatal("expected hash to change")
			}
		})
	}
}

func TestSealAndVerifyChain(t *testing.T) {
	signer := testSigner(t, "e1")

	first, err := Seal(signer, testEvent(1), "")
	if err != nil {
		t.Fatalf("seal first: %v", err)
	}
	second, err := Seal(signer, testEvent(2), first.ChainHash)
	if err != nil {
		t.Fatalf("seal second: %v", err)
	}
	if second.PrevHash != first.ChainHash {
		t.Fatalf("expected second to link to first")
	}
	if err := Verify(signer, first, ""); err != nil {
		t.Fatalf("verify first: %v", err)
	}
	if err := Verify(signer, second, first.ChainHash); err != nil {
		t.Fatalf("verify second: %v", err)
	}

	tampered := second
	tampered.Delta = []byte(`{"points":99}`)
	if err := Verify(signer, tampered, first.ChainHash); err == nil {
		t.Fatal("expected tampered delta to fail")
	}
	if err := Verify(signer, second, ""); err == nil {
		t.Fatal("expected broken link to fail")
	}
	forged := second
	forged.Signature = "00"
	if err := Verify(signer, forged, first.ChainHash); err == nil {
		t.Fatal("expected forged signature to fail")
	}
}

func TestSealAndVerifyRequireMatchingSigner(t *testing.T) {
	other := testSigner(t, "e2")
	if _, err := Seal(other, testEvent(1), ""); err == nil {
		t.Fatal("expected seal with another entity's signer to fail")
	}
	if _, err := Seal(nil, testEvent(1), ""); err == nil {
		t.Fatal("expected seal without signer to fail")
	}

	sealed, err := Seal(testSigner(t, "e1"), testEvent(1), "")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := Verify(other, sealed, ""); err == nil {
		t.Fatal("expected verify with another entity's signer to fail")
	}
}
